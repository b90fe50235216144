package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/malbeclabs/servicegraph/pkg/client"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/spf13/cobra"
)

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("since", 0, "query the window from now minus this duration (default: server default of 1h)")
	cmd.Flags().String("start", "", "window start, RFC3339")
	cmd.Flags().String("end", "", "window end, RFC3339")
}

func addGraphFlags(cmd *cobra.Command) {
	addWindowFlags(cmd)
	cmd.Flags().StringSlice("from-types", nil, "source node types (service, transaction)")
	cmd.Flags().StringSlice("to-types", nil, "destination node types (service, transaction)")
	cmd.Flags().StringSlice("statuses", nil, "edge statuses that must all be present (ok, expected_error, unexpected_error)")
}

func windowFromFlags(cmd *cobra.Command, now time.Time) (client.Window, error) {
	var w client.Window
	since, err := cmd.Flags().GetDuration("since")
	if err != nil {
		return w, fmt.Errorf("failed to get since flag: %w", err)
	}
	startStr, err := cmd.Flags().GetString("start")
	if err != nil {
		return w, fmt.Errorf("failed to get start flag: %w", err)
	}
	endStr, err := cmd.Flags().GetString("end")
	if err != nil {
		return w, fmt.Errorf("failed to get end flag: %w", err)
	}
	if since > 0 && startStr != "" {
		return w, fmt.Errorf("specify only one of: since, start")
	}

	if since > 0 {
		start := now.Add(-since).UTC()
		w.Start = &start
	}
	if startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return w, fmt.Errorf("invalid start: %w", err)
		}
		w.Start = &start
	}
	if endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return w, fmt.Errorf("invalid end: %w", err)
		}
		w.End = &end
	}
	return w, nil
}

func parseNodeTypes(values []string) ([]topology.NodeType, error) {
	out := make([]topology.NodeType, 0, len(values))
	for _, v := range values {
		t, err := topology.ParseNodeType(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseEdgeStatuses(values []string) ([]topology.EdgeStatus, error) {
	out := make([]topology.EdgeStatus, 0, len(values))
	for _, v := range values {
		s, err := topology.ParseEdgeStatus(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func graphQueryFromFlags(cmd *cobra.Command, now time.Time) (client.GraphQuery, error) {
	var q client.GraphQuery
	w, err := windowFromFlags(cmd, now)
	if err != nil {
		return q, err
	}
	q.Window = w

	fromTypes, _ := cmd.Flags().GetStringSlice("from-types")
	if q.FromTypes, err = parseNodeTypes(fromTypes); err != nil {
		return q, err
	}
	toTypes, _ := cmd.Flags().GetStringSlice("to-types")
	if q.ToTypes, err = parseNodeTypes(toTypes); err != nil {
		return q, err
	}
	statuses, _ := cmd.Flags().GetStringSlice("statuses")
	if q.EdgeStatuses, err = parseEdgeStatuses(statuses); err != nil {
		return q, err
	}
	return q, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type GraphCmd struct{}

func NewGraphCmd() *GraphCmd {
	return &GraphCmd{}
}

func (c *GraphCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the full service graph for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, api, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			q, err := graphQueryFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			g, err := api.QueryGraph(ctx, q)
			if err != nil {
				return fmt.Errorf("failed to query graph: %w", err)
			}
			renderGraph(os.Stdout, g)
			return nil
		},
	}
	addGraphFlags(cmd)
	return cmd
}

type ServiceMapCmd struct{}

func NewServiceMapCmd() *ServiceMapCmd {
	return &ServiceMapCmd{}
}

func (c *ServiceMapCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service-map",
		Short: "Show the simplified service map and active nodes for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, api, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			gq, err := graphQueryFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}
			q := client.ServiceMapQuery{GraphQuery: gq}
			if cmd.Flags().Changed("percentile") {
				p, err := cmd.Flags().GetFloat64("percentile")
				if err != nil {
					return fmt.Errorf("failed to get percentile flag: %w", err)
				}
				q.TrafficVolumePercentile = &p
			}
			ctx, cancel := signalContext()
			defer cancel()

			sm, err := api.QueryServiceMap(ctx, q)
			if err != nil {
				return fmt.Errorf("failed to query service map: %w", err)
			}
			renderGraph(os.Stdout, sm.Graph)
			renderActiveNodes(os.Stdout, sm.ActiveNodes)
			return nil
		},
	}
	addGraphFlags(cmd)
	cmd.Flags().Float64("percentile", 0, "drop edges below this traffic volume percentile (0-100)")
	return cmd
}

type ActiveNodesCmd struct{}

func NewActiveNodesCmd() *ActiveNodesCmd {
	return &ActiveNodesCmd{}
}

func (c *ActiveNodesCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active-nodes",
		Short: "List nodes seen in a window with their last activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, api, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			w, err := windowFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}
			typeStrs, _ := cmd.Flags().GetStringSlice("types")
			types, err := parseNodeTypes(typeStrs)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			nodes, err := api.QueryActiveNodes(ctx, client.ActiveNodesQuery{Window: w, Types: types})
			if err != nil {
				return fmt.Errorf("failed to query active nodes: %w", err)
			}
			renderActiveNodes(os.Stdout, nodes)
			return nil
		},
	}
	addWindowFlags(cmd)
	cmd.Flags().StringSlice("types", nil, "node types (service, transaction)")
	return cmd
}

type HistogramCmd struct{}

func NewHistogramCmd() *HistogramCmd {
	return &HistogramCmd{}
}

func (c *HistogramCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "histogram",
		Short: "Show per-minute traffic volume for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, api, err := rootOptions(cmd)
			if err != nil {
				return err
			}
			w, err := windowFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			hist, err := api.QueryHistogram(ctx, w)
			if err != nil {
				return fmt.Errorf("failed to query histogram: %w", err)
			}
			renderHistogram(os.Stdout, hist)
			return nil
		},
	}
	addWindowFlags(cmd)
	return cmd
}
