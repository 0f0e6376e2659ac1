package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/internal/config"
	"github.com/lockbook/lb-core/localstore"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "create, import or export the local account",
	}
	cmd.AddCommand(newAccountNewCmd())
	cmd.AddCommand(newAccountImportCmd())
	cmd.AddCommand(newAccountExportCmd())
	return cmd
}

func newAccountNewCmd() *cobra.Command {
	var serverAddress string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "generate a fresh account key and an unsynced root folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return accountNew(flagBase, serverAddress)
		},
	}
	cmd.Flags().StringVar(&serverAddress, "server", "https://api.lockbook.net", "sync server base URL")
	return cmd
}

// accountNew generates an account key and a root record, then leaves the
// root staged as a local-only creation (sync.New's local overlay, not
// base) so the first "lockbook sync" pushes it exactly the way any other
// newly created file would go out.
func accountNew(base, serverAddress string) error {
	if err := config.Initialize(base, serverAddress); err != nil {
		return errors.Wrap(err, "account new: initialize config")
	}
	cfg, err := config.Load(base)
	if err != nil {
		return errors.Wrap(err, "account new: load config")
	}

	account, err := crypto.NewAccountKey()
	if err != nil {
		return errors.Wrap(err, "account new: generate account key")
	}
	if err := os.WriteFile(cfg.AccountKeyFile, []byte(account.String()+"\n"), 0600); err != nil {
		return errors.Wrap(err, "account new: write account key file")
	}

	secretName, err := crypto.EncryptBytes(account.RootKey(), []byte("root"))
	if err != nil {
		return errors.Wrap(err, "account new: encrypt root name")
	}

	root := filetree.Record{ID: uuid.New(), Owner: account.Public(), SecretName: secretName}
	root.Parent = root.ID
	root = filetree.Sign(root, account)

	db, err := localstore.Open(cfg.DatabaseFile)
	if err != nil {
		return errors.Wrap(err, "account new: open local database")
	}
	defer func() { _ = db.Close() }()
	store := localstore.New(db)

	if err := store.SaveLocal([]filetree.Record{root}); err != nil {
		return errors.Wrap(err, "account new: persist root record")
	}
	if err := store.SetRoot(root.ID); err != nil {
		return errors.Wrap(err, "account new: persist root id")
	}

	fmt.Printf("account created: %s\nroot: %s\nrun \"lockbook sync\" to push it\n", account.Public(), root.ID)
	return nil
}

// exportedAccount is the on-disk shape account export/import moves, a toml
// document alongside the line-oriented config file.
type exportedAccount struct {
	ServerAddress string `toml:"server_address"`
	PrivateKey    string `toml:"private_key"`
}

func newAccountExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "print the account's private key material as a toml document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return accountExport(flagBase, cmd)
		},
	}
	return cmd
}

func accountExport(base string, cmd *cobra.Command) error {
	cfg, err := config.Load(base)
	if err != nil {
		return errors.Wrap(err, "account export: load config")
	}
	raw, err := os.ReadFile(cfg.AccountKeyFile)
	if err != nil {
		return errors.Wrap(err, "account export: read account key file")
	}

	out := exportedAccount{ServerAddress: cfg.ServerAddress, PrivateKey: strings.TrimSpace(string(raw))}
	enc := toml.NewEncoder(cmd.OutOrStdout())
	return errors.Wrap(enc.Encode(out), "account export: encode")
}

func newAccountImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "import an account previously written by \"account export\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return accountImport(flagBase, args[0])
		},
	}
	return cmd
}

func accountImport(base, path string) error {
	var in exportedAccount
	if _, err := toml.DecodeFile(path, &in); err != nil {
		return errors.Wrapf(err, "account import: decode %q", path)
	}
	if _, err := crypto.ParseAccountKeyString(in.PrivateKey); err != nil {
		return errors.Wrap(err, "account import: private key is not a valid account key")
	}

	if err := config.Initialize(base, in.ServerAddress); err != nil {
		return errors.Wrap(err, "account import: initialize config")
	}
	cfg, err := config.Load(base)
	if err != nil {
		return errors.Wrap(err, "account import: load config")
	}
	if err := os.WriteFile(cfg.AccountKeyFile, []byte(in.PrivateKey+"\n"), 0600); err != nil {
		return errors.Wrap(err, "account import: write account key file")
	}

	// The root folder key and metadata are not part of the export: the key
	// is derived again from the account key (crypto.AccountKey.RootKey),
	// and the metadata lives in the server's copy of the tree and arrives on
	// the first sync, the same way a brand-new device onboards an existing
	// account.
	db, err := localstore.Open(cfg.DatabaseFile)
	if err != nil {
		return errors.Wrap(err, "account import: open local database")
	}
	defer func() { _ = db.Close() }()

	fmt.Println("account imported; run \"lockbook sync\" to pull its tree")
	return nil
}
