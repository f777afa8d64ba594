package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/manifest"
)

func jobCmd() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect pipeline jobs against a running server",
	}
	cmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "cdrguard API base URL")

	cmd.AddCommand(
		jobSubmitCmd(&apiAddr),
		jobListCmd(&apiAddr),
		jobGetCmd(&apiAddr),
		jobCancelCmd(&apiAddr),
	)
	return cmd
}

func jobSubmitCmd(apiAddr *string) *cobra.Command {
	var container string
	var files []string
	var phases []int
	var priority string
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of files through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.BatchJobRequest
			if manifestPath != "" {
				m, err := manifest.ParseFile(manifestPath)
				if err != nil {
					return err
				}
				req = m.ToBatchJobRequest()
			} else {
				enabled := make([]domain.Phase, 0, len(phases))
				for _, p := range phases {
					enabled = append(enabled, domain.Phase(p))
				}
				req = domain.BatchJobRequest{
					ContainerName: container,
					FilePaths:     files,
					EnabledPhases: enabled,
					Priority:      domain.Priority(priority),
				}
			}

			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			var job domain.Job
			if err := apiRequest(*apiAddr, http.MethodPost, "/api/jobs/batch", bytes.NewReader(body), &job); err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "blob container/bucket name to read files from")
	cmd.Flags().StringSliceVar(&files, "file", nil, "explicit file keys to process (default: every object in the container)")
	cmd.Flags().IntSliceVar(&phases, "phase", []int{1, 2, 3}, "enabled phases: 1=cdr 2=av 3=edr")
	cmd.Flags().StringVar(&priority, "priority", "normal", "scheduling priority: low, normal, high")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a YAML batch job manifest (overrides the flags above)")
	return cmd
}

func jobListCmd(apiAddr *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Jobs []domain.Job `json:"jobs"`
			}
			path := fmt.Sprintf("/api/jobs?limit=%d", limit)
			if err := apiRequest(*apiAddr, http.MethodGet, path, nil, &result); err != nil {
				return err
			}
			return printJSON(result.Jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to return")
	return cmd
}

func jobGetCmd(apiAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch a single job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job domain.Job
			if err := apiRequest(*apiAddr, http.MethodGet, "/api/jobs/"+args[0], nil, &job); err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	return cmd
}

func jobCancelCmd(apiAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := apiRequest(*apiAddr, http.MethodDelete, "/api/jobs/"+args[0], nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	return cmd
}

// apiRequest is a minimal JSON HTTP client shared by the job subcommands.
// The server API is small enough that a dedicated client library would be
// pure overhead next to net/http.
func apiRequest(baseURL, method, path string, body io.Reader, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
