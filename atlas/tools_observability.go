package main

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type GetGlobalMetricsArgs struct{}
type GetTimeseriesArgs struct {
	Range string `json:"range,omitempty" jsonschema:"Time range (e.g. 1h 5m 1d)"`
}
type GetPrometheusMetricsArgs struct{}

func RegisterObservabilityTools(s *mcp.Server, c *CDRGuardClient) {
	addToolHelper(s, &mcp.Tool{Name: "cdrguard_get_metrics", Description: "Get pipeline throughput and alert-noise-reduction metrics in JSON format"}, c,
		func(ctx context.Context, args GetGlobalMetricsArgs, c *CDRGuardClient) (json.RawMessage, error) {
			return c.Get(ctx, "/metrics")
		})

	addToolHelper(s, &mcp.Tool{Name: "cdrguard_get_timeseries", Description: "Get time-bucketed job throughput and alert counts"}, c,
		func(ctx context.Context, args GetTimeseriesArgs, c *CDRGuardClient) (json.RawMessage, error) {
			q := queryString(map[string]string{"range": args.Range})
			return c.Get(ctx, "/metrics/timeseries"+q)
		})

	addToolHelper(s, &mcp.Tool{Name: "cdrguard_get_prometheus_metrics", Description: "Get metrics in Prometheus exposition format"}, c,
		func(ctx context.Context, args GetPrometheusMetricsArgs, c *CDRGuardClient) (json.RawMessage, error) {
			return c.Get(ctx, "/metrics/prometheus")
		})
}
