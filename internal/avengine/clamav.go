// Package avengine implements adapters.AVEngine against AV vendor scanners.
// ClamAVEngine shells out to clamscan the same way the originating
// implementation's ClamAV integration does, rather than speaking clamd's
// wire protocol directly — clamscan is the form most self-hosted ClamAV
// installs actually expose.
package avengine

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/circuitbreaker"
)

// ClamAVEngine is an adapters.AVEngine backed by a local clamscan binary.
type ClamAVEngine struct {
	clamscanPath string
	version      string
	breaker      *circuitbreaker.Breaker
}

// SetBreaker installs a circuit breaker guarding Scan calls. A nil breaker
// (the default) leaves calls unguarded.
func (c *ClamAVEngine) SetBreaker(b *circuitbreaker.Breaker) { c.breaker = b }

// NewClamAVEngine locates clamscan on PATH (or at the given override path)
// and records its reported database version for EngineVersion.
func NewClamAVEngine(ctx context.Context, overridePath string) (*ClamAVEngine, error) {
	path := overridePath
	if path == "" {
		resolved, err := exec.LookPath("clamscan")
		if err != nil {
			return nil, fmt.Errorf("clamscan not found on PATH: %w", err)
		}
		path = resolved
	} else if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("clamscan not found at %s: %w", path, err)
	}

	version := queryVersion(ctx, path)
	return &ClamAVEngine{clamscanPath: path, version: version}, nil
}

func queryVersion(ctx context.Context, clamscanPath string) string {
	out, err := exec.CommandContext(ctx, clamscanPath, "--version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func (c *ClamAVEngine) Name() string { return "clamav" }

// Scan runs `clamscan --no-summary <path>` and parses its single-line
// per-file verdict ("<path>: <verdict> FOUND" or "<path>: OK").
func (c *ClamAVEngine) Scan(ctx context.Context, localPath string) (adapters.ScanVerdict, error) {
	if c.breaker == nil {
		return c.scan(ctx, localPath)
	}
	permit, ok := c.breaker.Allow()
	if !ok {
		return adapters.ScanVerdict{}, circuitbreaker.ErrOpen
	}
	verdict, err := c.scan(ctx, localPath)
	if err != nil {
		permit.Failure()
	} else {
		permit.Success()
	}
	return verdict, err
}

func (c *ClamAVEngine) scan(ctx context.Context, localPath string) (adapters.ScanVerdict, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.clamscanPath, "--no-summary", localPath)
	out, runErr := cmd.CombinedOutput()
	elapsed := time.Since(start).Milliseconds()

	// clamscan exit code 1 means "virus found", not a scan failure — the
	// breaker only sees this branch's nil error, so it is never recorded
	// as a breaker failure.
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			threat := parseThreatName(string(out), localPath)
			return adapters.ScanVerdict{
				IsMalicious:   true,
				ThreatName:    threat,
				Confidence:    100,
				ScanMillis:    elapsed,
				EngineVersion: c.version,
			}, nil
		}
		return adapters.ScanVerdict{}, fmt.Errorf("clamscan failed: %w: %s", runErr, out)
	}

	return adapters.ScanVerdict{
		IsMalicious:   false,
		Confidence:    100,
		ScanMillis:    elapsed,
		EngineVersion: c.version,
	}, nil
}

func parseThreatName(output, localPath string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, localPath+":") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, localPath+":"))
		rest = strings.TrimSuffix(rest, "FOUND")
		return strings.TrimSpace(rest)
	}
	return "unknown"
}

var _ adapters.AVEngine = (*ClamAVEngine)(nil)
