package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/auth"
	"github.com/zhijun2003/QingyunAI/internal/database"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/maintenance"
	"github.com/zhijun2003/QingyunAI/internal/vault"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|redo|version]",
		Short:     "Run database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "redo", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			return database.Migrate(cmd.Context(), cfg.Database, command)
		},
	}
}

func newKeysCmd(flags *globalFlags) *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage provider credential pools"}

	var (
		providerID, name, secretEnv string
		weight, priority            int
		dailyLimit, monthlyLimit    int64
		inactive                    bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Encrypt and add a credential to a provider's pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(os.Getenv(secretEnv))
			if secret == "" {
				return fmt.Errorf("environment variable %s is empty", secretEnv)
			}
			in := keypool.NewCredential{ProviderID: providerID, Name: name, Secret: secret}
			if cmd.Flags().Changed("weight") {
				in.Weight = &weight
			}
			if cmd.Flags().Changed("priority") {
				in.Priority = &priority
			}
			if cmd.Flags().Changed("daily-limit") {
				in.DailyLimit = &dailyLimit
			}
			if cmd.Flags().Changed("monthly-limit") {
				in.MonthlyLimit = &monthlyLimit
			}
			if inactive {
				active := false
				in.IsActive = &active
			}
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				if _, err := c.Catalog.Provider(cmd.Context(), providerID); err != nil {
					return err
				}
				cred, err := c.KeyPool.AddCredential(cmd.Context(), in)
				if err != nil {
					return err
				}
				stats, err := c.KeyPool.KeyStats(cmd.Context(), cred.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	add.Flags().StringVar(&providerID, "provider", "", "provider id")
	add.Flags().StringVar(&name, "name", "", "credential label")
	add.Flags().StringVar(&secretEnv, "secret-env", "PROVIDER_API_KEY", "environment variable holding the secret")
	add.Flags().IntVar(&weight, "weight", 1, "selection weight")
	add.Flags().IntVar(&priority, "priority", 0, "priority, higher first")
	add.Flags().Int64Var(&dailyLimit, "daily-limit", 0, "daily request cap")
	add.Flags().Int64Var(&monthlyLimit, "monthly-limit", 0, "monthly request cap")
	add.Flags().BoolVar(&inactive, "inactive", false, "add the credential disabled")
	_ = add.MarkFlagRequired("provider")

	var statusProvider string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show a provider's pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				st, err := c.KeyPool.ProviderStatus(cmd.Context(), statusProvider)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
	status.Flags().StringVar(&statusProvider, "provider", "", "provider id")
	_ = status.MarkFlagRequired("provider")

	var resetProvider, resetKey, resetType string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset a credential's counters (all, daily, monthly, error)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := keypool.ParseResetType(resetType)
			if err != nil {
				return err
			}
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				cred, err := c.KeyPool.ResetCredential(cmd.Context(), resetProvider, resetKey, rt)
				if err != nil {
					return err
				}
				stats, err := c.KeyPool.KeyStats(cmd.Context(), cred.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	reset.Flags().StringVar(&resetProvider, "provider", "", "provider id")
	reset.Flags().StringVar(&resetKey, "key", "", "credential id")
	reset.Flags().StringVar(&resetType, "type", "all", "reset type")
	_ = reset.MarkFlagRequired("provider")
	_ = reset.MarkFlagRequired("key")

	keys.AddCommand(add, status, reset)
	return keys
}

func newModelsCmd(flags *globalFlags) *cobra.Command {
	models := &cobra.Command{Use: "models", Short: "Model catalog operations"}

	var providerID string
	var all bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Sync models from one provider or every auto-sync provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (providerID != "") {
				return errors.New("pass exactly one of --provider or --all")
			}
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				if all {
					outcomes, err := c.Syncer.SyncAll(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd, outcomes)
				}
				res, err := c.Syncer.SyncProvider(cmd.Context(), providerID)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	sync.Flags().StringVar(&providerID, "provider", "", "provider id")
	sync.Flags().BoolVar(&all, "all", false, "sync every auto-sync provider")

	var testProvider string
	test := &cobra.Command{
		Use:   "test",
		Short: "Test a provider connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				ok, err := c.Syncer.TestConnection(cmd.Context(), testProvider)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"providerId": testProvider, "success": ok})
			})
		},
	}
	test.Flags().StringVar(&testProvider, "provider", "", "provider id")
	_ = test.MarkFlagRequired("provider")

	models.AddCommand(sync, test)
	return models
}

func newUsageCmd(flags *globalFlags) *cobra.Command {
	usage := &cobra.Command{Use: "usage", Short: "Credential usage maintenance"}
	reset := &cobra.Command{
		Use:       "reset [daily|monthly]",
		Short:     "Zero usage counters on every credential",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"daily", "monthly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var job string
			switch args[0] {
			case "daily":
				job = maintenance.JobDailyReset
			case "monthly":
				job = maintenance.JobMonthlyReset
			default:
				return fmt.Errorf("unknown reset %q", args[0])
			}
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				if err := c.Maintenance.RunJob(cmd.Context(), job); err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"job": job, "status": "ok"})
			})
		},
	}
	usage.AddCommand(reset)
	return usage
}

func newBalanceCmd(flags *globalFlags) *cobra.Command {
	balance := &cobra.Command{Use: "balance", Short: "User balance operations"}
	var userID, amount, reason string
	adjust := &cobra.Command{
		Use:   "adjust",
		Short: "Add (or with a negative amount, remove) balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			return flags.withContainer(cmd.Context(), func(c *app.Container) error {
				adj, err := c.Ledger.Adjust(cmd.Context(), userID, amt, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, adj)
			})
		},
	}
	adjust.Flags().StringVar(&userID, "user", "", "user id")
	adjust.Flags().StringVar(&amount, "amount", "", "decimal amount")
	adjust.Flags().StringVar(&reason, "reason", "", "reason recorded on the transaction")
	_ = adjust.MarkFlagRequired("user")
	_ = adjust.MarkFlagRequired("amount")
	balance.AddCommand(adjust)
	return balance
}

func newVaultCmd(flags *globalFlags) *cobra.Command {
	v := &cobra.Command{Use: "vault", Short: "Credential vault checks"}
	v.AddCommand(&cobra.Command{
		Use:   "selftest",
		Short: "Encrypt and decrypt a probe with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			vt, err := vault.New(cfg.Vault.Secret)
			if err != nil {
				return err
			}
			if err := vt.SelfTest(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "vault ok")
			return err
		},
	})
	return v
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Access token utilities"}
	var userID, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a short-lived access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			signed, err := tm.Issue(userID, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "subject user id")
	issue.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	issue.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	_ = issue.MarkFlagRequired("user")
	token.AddCommand(issue)
	return token
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Configuration utilities"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the merged configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg.Redacted())
		},
	})
	return cfgCmd
}
