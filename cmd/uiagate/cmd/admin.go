package cmd

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/storage/sqlstore"
)

// withStore opens the enrollment database, migrated, and hands fn a store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *sqlstore.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, store, err := openStore(ctx, cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer bunx.Close(db)
	return fn(ctx, store)
}

// parseSlots reads a slot count. "unlimited" stores the same value as a
// token created with uses_allowed: null through the admin API.
func parseSlots(s string) (int, error) {
	if s == "unlimited" {
		return math.MaxInt32, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= math.MaxInt32 {
		return 0, fmt.Errorf("slots must be a non-negative integer or \"unlimited\"")
	}
	return n, nil
}

var tokenLifetimeDays int

var createTokenCmd = &cobra.Command{
	Use:               "create-token <token> <created_by> <slots>",
	Short:             "Create a registration token",
	Args:              cobra.ExactArgs(3),
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		slots, err := parseSlots(args[2])
		if err != nil {
			return err
		}
		if tokenLifetimeDays < 0 {
			return fmt.Errorf("--lifetime must not be negative")
		}
		rt := &storage.RegistrationToken{
			Token:     args[0],
			CreatedBy: args[1],
			Slots:     slots,
		}
		if tokenLifetimeDays > 0 {
			expires := time.Now().UTC().AddDate(0, 0, tokenLifetimeDays)
			rt.ExpiresAt = &expires
		}
		return withStore(cmd, func(ctx context.Context, store *sqlstore.Store) error {
			if err := store.CreateRegistrationToken(ctx, rt); err != nil {
				return fmt.Errorf("failed to create token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created registration token %s\n", rt.Token)
			return nil
		})
	},
}

var listTokensCmd = &cobra.Command{
	Use:               "list-tokens",
	Short:             "List registration tokens and their usage",
	Args:              cobra.NoArgs,
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *sqlstore.Store) error {
			tokens, err := store.ListRegistrationTokens(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tCREATED BY\tSLOTS\tPENDING\tCOMPLETED\tEXPIRES")
			for _, rt := range tokens {
				pending, completed, err := store.RegistrationTokenUsage(ctx, rt.Token)
				if err != nil {
					return err
				}
				slots := strconv.Itoa(rt.Slots)
				if rt.Slots == math.MaxInt32 {
					slots = "unlimited"
				}
				expires := "never"
				if rt.ExpiresAt != nil {
					expires = rt.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", rt.Token, rt.CreatedBy, slots, pending, completed, expires)
			}
			return tw.Flush()
		})
	},
}

var setPasswordCmd = &cobra.Command{
	Use:               "set-password <user_id> <password>",
	Short:             "Set a user's local password",
	Args:              cobra.ExactArgs(2),
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := checker.QualifyUserID(args[0], cfg.Matrix.Domain)
		return withStore(cmd, func(ctx context.Context, store *sqlstore.Store) error {
			var opts []checker.PasswordOption
			if cfg.UIA.Password.MinLength > 0 {
				opts = append(opts, checker.WithMinPasswordLength(cfg.UIA.Password.MinLength))
			}
			if cfg.UIA.Password.BcryptCost > 0 {
				opts = append(opts, checker.WithBcryptCost(cfg.UIA.Password.BcryptCost))
			}
			pw := checker.NewPassword(store, cfg.Matrix.Domain, newLogger(cfg.LogLevel), opts...)
			if err := pw.SetPassword(ctx, userID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password set for %s\n", userID)
			return nil
		})
	},
}

var loadBadWordsCmd = &cobra.Command{
	Use:               "load-badwords <file>",
	Short:             "Load a newline-separated list of words banned from usernames",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		words, err := readLinesFile(args[0])
		if err != nil {
			return err
		}
		for i, w := range words {
			words[i] = checker.NormalizeUsername(w)
		}
		return withStore(cmd, func(ctx context.Context, store *sqlstore.Store) error {
			n, err := store.AddBadWords(ctx, words)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d new bad words (%d read)\n", n, len(words))
			return nil
		})
	},
}

var loadReservedCmd = &cobra.Command{
	Use:               "load-reserved-usernames <file>",
	Short:             "Load a newline-separated list of usernames that cannot be registered",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := readLinesFile(args[0])
		if err != nil {
			return err
		}
		for i, n := range names {
			names[i] = checker.NormalizeUsername(n)
		}
		return withStore(cmd, func(ctx context.Context, store *sqlstore.Store) error {
			n, err := store.AddReservedUsernames(ctx, names)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reserved %d new usernames (%d read)\n", n, len(names))
			return nil
		})
	},
}

func init() {
	createTokenCmd.Flags().IntVar(&tokenLifetimeDays, "lifetime", 0, "Days until the token expires (0 for never)")
	rootCmd.AddCommand(createTokenCmd, listTokensCmd, setPasswordCmd, loadBadWordsCmd, loadReservedCmd)
}
