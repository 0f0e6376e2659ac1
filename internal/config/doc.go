// The config package loads lockbook's configuration: where the account
// key lives, which server to sync against, and how much document-fetch
// parallelism to allow. It is read from a flat "key value" text file, with
// a permission check on the config file since it holds, indirectly, the
// path to key material.
package config
