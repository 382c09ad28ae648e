// Package authctl implements the operator CLI: hashing passwords offline,
// inspecting stored hashes and applying database migrations.
package authctl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/config"
	"github.com/dmitrijs2005/authcore/internal/server/password"
	"github.com/dmitrijs2005/authcore/internal/server/repositories/repomanager"
)

// openDB is a test seam for repomanager.Open.
var openDB func(ctx context.Context, dsn string) (*sql.DB, error) = repomanager.Open

// ConfigLoader returns the configuration the commands run with.
type ConfigLoader func() (*config.Config, error)

// DefaultConfigLoader reads defaults, $AUTH_CONFIG and AUTH_* variables.
// Server flags are not parsed; authctl has its own.
func DefaultConfigLoader() (*config.Config, error) {
	return config.Load(nil)
}

// NewRootCommand builds the authctl command tree.
func NewRootCommand(load ConfigLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Operator tooling for the auth core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newHashCommand(load),
		newNeedsRehashCommand(load),
		newDetectCommand(),
		newMigrateCommand(load),
		newImportHashCommand(load),
	)
	return root
}

func newHasher(load ConfigLoader) (*password.Hasher, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return password.NewHasher(cfg.Password(), logging.NewNop(), nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHashCommand(load ConfigLoader) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash a password with the configured parameters",
		Long: "Prompts for a password without echo and prints the resulting hash record as JSON.\n" +
			"With --stdin the password is read from the first line of standard input.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHasher(load)
			if err != nil {
				return err
			}

			var secret []byte
			if fromStdin {
				secret, err = readLine(cmd.InOrStdin())
			} else {
				secret, err = getPassword(cmd.ErrOrStderr())
			}
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			defer common.WipeByteArray(secret)

			if len(secret) == 0 {
				return errors.New("empty password")
			}

			rec, err := h.Hash(cmd.Context(), string(secret))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the password from standard input")
	return cmd
}

func newNeedsRehashCommand(load ConfigLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "needs-rehash <hash>",
		Short: "Report whether a stored hash is weaker than the current parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHasher(load)
			if err != nil {
				return err
			}
			rec, _ := password.Inspect(args[0])
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h.NeedsRehash(rec))
			return err
		},
	}
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <hash>",
		Short: "Identify the algorithm and parameters of an encoded hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := password.Inspect(args[0])
			if err != nil {
				return fmt.Errorf("%s hash: %w", rec.Algorithm, err)
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newMigrateCommand(load ConfigLoader) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := connect(cmd.Context(), load, dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repomanager.NewPostgresRepositoryManager().RunMigrations(cmd.Context(), db); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (defaults to the configured one)")
	return cmd
}

func connect(ctx context.Context, load ConfigLoader, dsn string) (*sql.DB, error) {
	if dsn == "" {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		dsn = cfg.DatabaseDSN
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	return db, nil
}

func newImportHashCommand(load ConfigLoader) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "import-hash <email> <hash>",
		Short: "Store a legacy password hash for an existing user",
		Long: "Detects the algorithm of an encoded argon2id or bcrypt hash and stores it as the\n" +
			"user's password. Weaker hashes are upgraded on the user's next successful login.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, encoded := args[0], args[1]

			rec, err := password.Inspect(encoded)
			if err != nil {
				return fmt.Errorf("%s hash: %w", rec.Algorithm, err)
			}

			db, err := connect(cmd.Context(), load, dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repomanager.NewPostgresRepositoryManager().Users(db)
			user, err := repo.GetByEmail(cmd.Context(), email)
			if err != nil {
				if errors.Is(err, common.ErrorNotFound) {
					return fmt.Errorf("user %s not found", email)
				}
				return err
			}
			if err := repo.UpdatePassword(cmd.Context(), user.ID, rec); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %s hash for %s\n", rec.Algorithm, email)
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (defaults to the configured one)")
	return cmd
}
