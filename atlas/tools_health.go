package main

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type HealthArgs struct{}

func RegisterHealthTools(s *mcp.Server, c *CDRGuardClient) {
	addToolHelper(s, &mcp.Tool{Name: "cdrguard_health", Description: "Get pipeline health, including job store and VM pool status"}, c,
		func(ctx context.Context, args HealthArgs, c *CDRGuardClient) (json.RawMessage, error) {
			return c.Get(ctx, "/api/health")
		})
}
