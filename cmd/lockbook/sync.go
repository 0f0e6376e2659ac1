package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lockbook/lb-core/merge"
	"github.com/lockbook/lb-core/server"
	"github.com/lockbook/lb-core/sync"
	"github.com/lockbook/lb-core/textmerge"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "reconcile the local tree against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(flagBase)
		},
	}
}

func runSync(base string) error {
	sess, err := openSession(base)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	baseTree, err := sess.store.LoadBase()
	if err != nil {
		return errors.Wrap(err, "sync: load base tree")
	}
	localPatch, err := sess.store.LoadLocalPatch()
	if err != nil {
		return errors.Wrap(err, "sync: load local patch")
	}
	root, err := sess.store.Root()
	if err != nil {
		return errors.Wrap(err, "sync: load root id")
	}
	lastSynced, err := sess.store.LastSynced()
	if err != nil {
		return errors.Wrap(err, "sync: load last synced")
	}

	client := server.NewHTTPClient(sess.cfg.ServerAddress, sess.account)
	opts := merge.Options{Docs: sess.store, TextMerger: textmerge.Default{}}
	driver := sync.New(sess.account, client, sess.store, sess.store, accountKeyring{account: sess.account}, opts,
		baseTree, localPatch, root, lastSynced)

	err = driver.Sync(func(p sync.Progress) {
		log.WithFields(log.Fields{
			"phase":   p.Phase,
			"current": p.Current,
			"total":   p.Total,
			"file":    p.File,
		}).Debug(p.Message)
	})
	if err != nil {
		return errors.Wrap(err, "sync")
	}

	fmt.Println("sync complete")
	return nil
}
