package cli

import (
	"fmt"
	"time"

	"github.com/malbeclabs/servicegraph/internal/sampledata"
	"github.com/spf13/cobra"
)

type GenDataCmd struct{}

func NewGenDataCmd() *GenDataCmd {
	return &GenDataCmd{}
}

func (c *GenDataCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-data",
		Short: "Continuously submit synthetic service traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, api, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			services, err := cmd.Flags().GetInt("services")
			if err != nil {
				return fmt.Errorf("failed to get services flag: %w", err)
			}
			transactions, err := cmd.Flags().GetInt("transactions")
			if err != nil {
				return fmt.Errorf("failed to get transactions flag: %w", err)
			}
			edges, err := cmd.Flags().GetInt("edges")
			if err != nil {
				return fmt.Errorf("failed to get edges flag: %w", err)
			}
			interval, err := cmd.Flags().GetDuration("interval")
			if err != nil {
				return fmt.Errorf("failed to get interval flag: %w", err)
			}

			gen, err := sampledata.New(sampledata.Config{
				Logger:                 log,
				Submitter:              api,
				Services:               services,
				TransactionsPerService: transactions,
				EdgesPerPeriod:         edges,
				Interval:               interval,
			})
			if err != nil {
				return fmt.Errorf("failed to create generator: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			log.Info("generating sample data", "api", api.BaseURL, "project_id", api.ProjectID, "interval", interval)
			return gen.Run(ctx)
		},
	}

	cmd.Flags().Int("services", 10, "number of services")
	cmd.Flags().Int("transactions", 2, "transactions per service")
	cmd.Flags().Int("edges", 1, "service calls sampled per interval")
	cmd.Flags().Duration("interval", 10*time.Second, "time between submissions")

	return cmd
}
