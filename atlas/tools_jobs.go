package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SubmitBatchArgs struct {
	Container string   `json:"container" jsonschema:"Blob container/bucket name to read files from"`
	Files     []string `json:"files,omitempty" jsonschema:"Explicit file keys to process (default: every object in the container)"`
	Phases    []int    `json:"phases,omitempty" jsonschema:"Enabled phases: 1=cdr 2=av 3=edr (default: all three)"`
	Priority  string   `json:"priority,omitempty" jsonschema:"Scheduling priority: low, normal, high (default: normal)"`
}

type ListJobsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Max results to return (default 50)"`
}

type GetJobArgs struct {
	JobID string `json:"job_id" jsonschema:"Job ID"`
}

type GetJobResultsArgs struct {
	JobID string `json:"job_id" jsonschema:"Job ID"`
	Phase int    `json:"phase,omitempty" jsonschema:"Restrict results to one phase: 1=cdr 2=av 3=edr"`
}

type CancelJobArgs struct {
	JobID string `json:"job_id" jsonschema:"Job ID"`
}

func RegisterJobTools(s *mcp.Server, c *CDRGuardClient) {
	addToolHelper(s, &mcp.Tool{
		Name:        "cdrguard_submit_batch",
		Description: "Submit a batch of files from a blob container through the sanitize/scan/detonate pipeline",
	}, c, func(ctx context.Context, args SubmitBatchArgs, c *CDRGuardClient) (json.RawMessage, error) {
		phases := args.Phases
		if len(phases) == 0 {
			phases = []int{1, 2, 3}
		}
		priority := args.Priority
		if priority == "" {
			priority = "normal"
		}
		body := map[string]any{
			"container_name": args.Container,
			"file_paths":     args.Files,
			"enabled_phases": phases,
			"priority":       priority,
		}
		return c.Post(ctx, "/api/jobs/batch", body)
	})

	addToolHelper(s, &mcp.Tool{
		Name:        "cdrguard_list_jobs",
		Description: "List recent pipeline jobs",
	}, c, func(ctx context.Context, args ListJobsArgs, c *CDRGuardClient) (json.RawMessage, error) {
		q := queryString(map[string]string{"limit": intStr(args.Limit)})
		return c.Get(ctx, "/api/jobs"+q)
	})

	addToolHelper(s, &mcp.Tool{
		Name:        "cdrguard_get_job",
		Description: "Get a single job's status and per-phase progress",
	}, c, func(ctx context.Context, args GetJobArgs, c *CDRGuardClient) (json.RawMessage, error) {
		return c.Get(ctx, fmt.Sprintf("/api/jobs/%s", args.JobID))
	})

	addToolHelper(s, &mcp.Tool{
		Name:        "cdrguard_get_job_results",
		Description: "Get a job's phase results, optionally scoped to one phase",
	}, c, func(ctx context.Context, args GetJobResultsArgs, c *CDRGuardClient) (json.RawMessage, error) {
		q := ""
		if args.Phase != 0 {
			q = queryString(map[string]string{"phase": intStr(args.Phase)})
		}
		return c.Get(ctx, fmt.Sprintf("/api/jobs/%s/results", args.JobID)+q)
	})

	addToolHelper(s, &mcp.Tool{
		Name:        "cdrguard_cancel_job",
		Description: "Cancel a pending or running job",
	}, c, func(ctx context.Context, args CancelJobArgs, c *CDRGuardClient) (json.RawMessage, error) {
		return c.Delete(ctx, fmt.Sprintf("/api/jobs/%s", args.JobID))
	})
}
