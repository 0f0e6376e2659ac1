package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
	"github.com/lockbook/lb-core/server"
	"github.com/lockbook/lb-core/validate"
	"github.com/lockbook/lb-core/work"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "preview what a sync would do, without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flagBase)
		},
	}
}

func runStatus(base string) error {
	sess, err := openSession(base)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	baseTree, err := sess.store.LoadBase()
	if err != nil {
		return errors.Wrap(err, "status: load base tree")
	}
	localPatch, err := sess.store.LoadLocalPatch()
	if err != nil {
		return errors.Wrap(err, "status: load local patch")
	}
	lastSynced, err := sess.store.LastSynced()
	if err != nil {
		return errors.Wrap(err, "status: load last synced")
	}

	local := filetree.Stage(baseTree)
	for id, r := range localPatch {
		if r == nil {
			local.Remove(id)
		} else {
			local.Insert(*r)
		}
	}

	owner := sess.account.Public()

	// A local boundary failure (a cycle from an offline move, a link left
	// under a folder just shared out, ...) is worth surfacing before a sync
	// attempt, not after: the merge loop would resolve it anyway, but the
	// user may want to know their own edits are what's getting silently
	// rewritten rather than a peer's.
	view := lazy.New(local, sess.account, accountKeyring{account: sess.account})
	if f := validate.Validate(local, view, owner); f != nil {
		fmt.Printf("local tree has a pending issue: %s\n", f)
	}

	client := server.NewHTTPClient(sess.cfg.ServerAddress, sess.account)

	serverIDs, err := client.GetFileIds(owner)
	if err != nil {
		return errors.Wrap(err, "status: list server files")
	}
	updates, err := client.GetUpdates(owner, lastSynced)
	if err != nil {
		return errors.Wrap(err, "status: fetch updates")
	}

	plan := work.Calculate(baseTree, local, serverIDs, updates.Files, updates.AsOfMetadataVersion)
	if plan.IsNoOp() {
		fmt.Println("up to date")
		return nil
	}
	for _, u := range plan.Units {
		fmt.Printf("%s\t%s\n", u.Kind, u.ID)
	}
	fmt.Printf("%d pending change(s), server as of %d\n", len(plan.Units), plan.ServerAsOfTime)
	return nil
}
