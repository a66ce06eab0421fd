package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"storefront-svc/config"
	"storefront-svc/database"
	"storefront-svc/middleware"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storefront",
		Short: "Storefront order service",
	}
	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		tokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP and gRPC servers and the payment event consumer",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logger := newLogger()
			defer logger.Sync()

			runServe(config.Load(), logger)
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg := config.Load()
			db, err := database.InitDB(cfg.DSN(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return database.Migrate(db, logger)
		},
	}
}

// tokenCommand mints a bearer token for local testing against JWT_SECRET.
func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [user_id]",
		Short: "print a signed bearer token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}

			token, err := middleware.NewToken([]byte(config.Load().JWTSecret), userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}
