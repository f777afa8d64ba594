package main

import (
	"context"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	cfg := LoadConfig()
	client := NewCDRGuardClient(cfg)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "atlas",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		Instructions: "Atlas is the MCP server for the cdrguard sanitize/scan/detonate pipeline. " +
			"It exposes the pipeline's job and observability API as tools, enabling LLM-driven " +
			"submission and inspection of batch jobs. All tools are prefixed with cdrguard_ for " +
			"clear namespacing.",
	})

	RegisterJobTools(server, client)
	RegisterHealthTools(server, client)
	RegisterObservabilityTools(server, client)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("Atlas server failed: %v", err)
	}
}
