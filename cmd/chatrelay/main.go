// Command chatrelay runs the chat relay server and its admin tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	pkgdatabase "chatrelay/pkg/database"
	"chatrelay/pkg/types"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Real-time chat relay between site visitors and business owners",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// STEP 1: Load configuration with precedence (file > env > defaults)
			cfg, err := config.LoadConfigWithPrecedence(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = config.NewLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("CHATRELAY_CONFIG_FILE"), "YAML config file")

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.businessCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
}

// serve runs until SIGINT or SIGTERM, then shuts down gracefully.
func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	c.logger.Info().Msg("received shutdown signal")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Stop(shutdownCtx)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and report the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.OpenDatabase(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			versions, err := pkgdatabase.NewMigrationManager(db.GetDB()).AppliedVersions()
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}

func (c *cli) businessCmd() *cobra.Command {
	var owner, name string

	business := &cobra.Command{
		Use:   "business",
		Short: "Manage the business directory",
	}

	add := &cobra.Command{
		Use:   "add <business-id>",
		Short: "Create or update a business and its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			businessID := args[0]
			if !types.IsValidID(businessID) || !types.IsValidID(owner) {
				return fmt.Errorf("business and owner ids must match [a-zA-Z0-9_-]{1,64}")
			}

			db, err := app.OpenDatabase(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.PutBusiness(cmd.Context(), businessID, owner, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "business %s owned by %s\n", businessID, owner)
			return nil
		},
	}
	add.Flags().StringVar(&owner, "owner", "", "owner user id")
	add.Flags().StringVar(&name, "name", "", "display name")
	_ = add.MarkFlagRequired("owner")

	business.AddCommand(add)
	return business
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		kind string
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <subject-id>",
		Short: "Mint a signed identity token for development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := types.IdentityKind(kind)
			if k != types.KindVisitor && k != types.KindOwner {
				return fmt.Errorf("kind must be visitor or owner, got %q", kind)
			}
			if !types.IsValidID(args[0]) {
				return fmt.Errorf("invalid subject id %q", args[0])
			}

			resolver, err := identity.NewJWTResolver(c.cfg.Auth.Secret, c.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = c.cfg.Auth.TokenTTL
			}

			token, err := resolver.Issue(types.Identity{
				Kind:        k,
				ID:          args[0],
				DisplayName: name,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(types.KindVisitor), "identity kind: visitor or owner")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}
