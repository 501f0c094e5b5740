package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rick-terminal/config"
	"rick-terminal/logger"
	"rick-terminal/services"
	"rick-terminal/storage/sqlite"
)

// openStore loads the configuration and opens the database for one-shot commands.
func openStore() (*sqlite.Storage, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.New(cfg.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func withGate(fn func(ctx context.Context, gate *services.TokenGate) error) error {
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	log := logger.New(cfg.Env, os.Stderr)
	return fn(context.Background(), services.NewTokenGate(log, store))
}

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := sqlite.Migrate(cfg.StoragePath); err != nil {
				return err
			}

			fmt.Printf("✅ Migrations applied to %s\n", cfg.StoragePath)
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	var (
		label       string
		notes       string
		value       string
		maxUsers    int
		expiresDays int
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			nt := services.NewToken{
				Value:     value,
				Label:     label,
				Notes:     notes,
				ExpiresIn: time.Duration(expiresDays) * 24 * time.Hour,
			}
			if cmd.Flags().Changed("max-users") {
				nt.MaxUsers = &maxUsers
			}

			return withGate(func(ctx context.Context, gate *services.TokenGate) error {
				token, err := gate.CreateToken(ctx, nt)
				if err != nil {
					return err
				}
				fmt.Println("🎟️ Token created")
				fmt.Printf("  Value:  %s\n", token.Value)
				fmt.Printf("  Label:  %s\n", token.Label)
				if token.MaxUsers != nil {
					fmt.Printf("  Seats:  %d\n", *token.MaxUsers)
				}
				if token.ExpiresAt != nil {
					fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&label, "label", "", "human readable label")
	createCmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	createCmd.Flags().StringVar(&value, "value", "", "explicit token value (generated when empty)")
	createCmd.Flags().IntVar(&maxUsers, "max-users", 0, "maximum number of users (unlimited when unset)")
	createCmd.Flags().IntVar(&expiresDays, "expires-days", 0, "days until the token expires (never when 0)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(func(ctx context.Context, gate *services.TokenGate) error {
				tokens, err := gate.List(ctx)
				if err != nil {
					return err
				}
				if len(tokens) == 0 {
					fmt.Println("No tokens.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VALUE\tLABEL\tACTIVE\tUSERS\tEXPIRES")
				for _, t := range tokens {
					seats := fmt.Sprintf("%d", t.UsersCount)
					if t.MaxUsers != nil {
						seats = fmt.Sprintf("%d/%d", t.UsersCount, *t.MaxUsers)
					}
					expires := "never"
					if t.ExpiresAt != nil {
						expires = t.ExpiresAt.Format("2006-01-02")
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", t.Value, t.Label, t.Active, seats, expires)
				}
				return w.Flush()
			})
		},
	}

	activateCmd := &cobra.Command{
		Use:   "activate <value>",
		Short: "Re-enable an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(func(ctx context.Context, gate *services.TokenGate) error {
				if err := gate.Activate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("✅ Token activated")
				return nil
			})
		},
	}

	deactivateCmd := &cobra.Command{
		Use:   "deactivate <value>",
		Short: "Disable an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(func(ctx context.Context, gate *services.TokenGate) error {
				if err := gate.Deactivate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("⛔ Token deactivated")
				return nil
			})
		},
	}

	removeUserCmd := &cobra.Command{
		Use:   "remove-user <value> <username>",
		Short: "Free a seat on an access token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(func(ctx context.Context, gate *services.TokenGate) error {
				if err := gate.RemoveUser(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("✅ %s removed from token\n", args[1])
				return nil
			})
		},
	}

	tokenCmd.AddCommand(createCmd, listCmd, activateCmd, deactivateCmd, removeUserCmd)

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin credentials",
	}

	var adminUser, adminPass string
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Replace every admin with a single account",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			log := logger.New(cfg.Env, os.Stderr)
			issuer := services.NewJWTIssuer(cfg.Auth.SecretKey, cfg.TokenTTL())
			if err := services.NewAdmins(log, store, issuer).Reset(context.Background(), adminUser, adminPass); err != nil {
				return err
			}
			fmt.Printf("✅ Admin reset, log in as %s\n", adminUser)
			return nil
		},
	}
	resetCmd.Flags().StringVar(&adminUser, "username", services.DefaultAdminUsername, "admin username")
	resetCmd.Flags().StringVar(&adminPass, "password", "", "admin password (at least 6 characters)")
	_ = resetCmd.MarkFlagRequired("password")

	adminCmd.AddCommand(resetCmd)

	rootCmd.AddCommand(migrateCmd, tokenCmd, adminCmd)
}
