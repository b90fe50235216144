package server

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodySize     = 10 << 20 // 10 MiB
	defaultCORSMaxAge      = 300
)

var defaultAllowedOrigins = []string{"*"}

// Service is the set of operations the HTTP transport exposes.
type Service interface {
	Submit(ctx context.Context, req engine.SubmitRequest) error
	QueryGraph(ctx context.Context, req params.GraphRequest) (topology.Graph, error)
	QueryActiveNodes(ctx context.Context, req params.ActiveNodesRequest) (topology.ActiveNodes, error)
	QueryServiceMap(ctx context.Context, req params.ServiceMapRequest) (topology.ServiceMap, error)
	QueryHistogram(ctx context.Context, req params.HistogramRequest) (topology.Histogram, error)
	Health() string
	Ready(ctx context.Context) error
}

type Config struct {
	Service Service

	// Optional configuration.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

func (c *Config) Validate() error {
	if c.Service == nil {
		return errors.New("service is required")
	}

	// Optional configuration.
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = defaultAllowedOrigins
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	return nil
}
