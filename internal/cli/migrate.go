package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/servicegraph/internal/clickhouse"
	"github.com/spf13/cobra"
)

type MigrateCmd struct{}

func NewMigrateCmd() *MigrateCmd {
	return &MigrateCmd{}
}

func (c *MigrateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded ClickHouse schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("clickhouse-addr")
			database, _ := cmd.Flags().GetString("clickhouse-database")
			user, _ := cmd.Flags().GetString("clickhouse-user")
			pass, _ := cmd.Flags().GetString("clickhouse-pass")
			secure, _ := cmd.Flags().GetBool("clickhouse-secure")

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			chClient, err := clickhouse.NewClient(ctx,
				clickhouse.WithLogger(log),
				clickhouse.WithAddr(addr),
				clickhouse.WithDatabase(database),
				clickhouse.WithUser(user),
				clickhouse.WithPassword(pass),
				clickhouse.WithSecure(secure),
			)
			if err != nil {
				return fmt.Errorf("failed to create clickhouse client: %w", err)
			}
			defer chClient.Close()

			conn, err := chClient.Conn(ctx)
			if err != nil {
				return fmt.Errorf("failed to get clickhouse connection: %w", err)
			}
			defer conn.Close()

			if err := clickhouse.RunMigrations(ctx, log, conn); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("migrations applied", "addr", addr, "database", database)
			return nil
		},
	}

	cmd.Flags().String("clickhouse-addr", getenv("CLICKHOUSE_ADDR", "localhost:9000"), "clickhouse native address (env: CLICKHOUSE_ADDR)")
	cmd.Flags().String("clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	cmd.Flags().String("clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse user (env: CLICKHOUSE_USER)")
	cmd.Flags().String("clickhouse-pass", getenv("CLICKHOUSE_PASS", ""), "clickhouse password (env: CLICKHOUSE_PASS)")
	cmd.Flags().Bool("clickhouse-secure", false, "use TLS for clickhouse")

	return cmd
}
