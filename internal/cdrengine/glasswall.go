// Package cdrengine implements adapters.CDREngine against CDR vendor REST
// APIs. GlasswallEngine follows the originating implementation's Glasswall
// integration: upload the file to /api/rebuild, the response body is the
// sanitized artifact.
package cdrengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/circuitbreaker"
)

// GlasswallConfig is the vendor connection configuration.
type GlasswallConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// GlasswallEngine is an adapters.CDREngine backed by a Glasswall-compatible
// rebuild API.
type GlasswallEngine struct {
	cfg     GlasswallConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewGlasswallEngine(cfg GlasswallConfig) *GlasswallEngine {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &GlasswallEngine{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// SetBreaker installs a circuit breaker guarding Sanitize calls. A nil
// breaker (the default) leaves calls unguarded.
func (g *GlasswallEngine) SetBreaker(b *circuitbreaker.Breaker) { g.breaker = b }

func (g *GlasswallEngine) Name() string { return "glasswall" }

// Sanitize uploads localPath to the rebuild endpoint and writes the
// response body alongside the original as <name>_sanitized<ext>.
func (g *GlasswallEngine) Sanitize(ctx context.Context, localPath string) (adapters.SanitizeResult, error) {
	if g.breaker == nil {
		return g.sanitize(ctx, localPath)
	}
	permit, ok := g.breaker.Allow()
	if !ok {
		return adapters.SanitizeResult{Status: adapters.SanitizeErr, Err: circuitbreaker.ErrOpen}, nil
	}
	result, err := g.sanitize(ctx, localPath)
	if err != nil || result.Status == adapters.SanitizeErr {
		permit.Failure()
	} else {
		permit.Success()
	}
	return result, err
}

func (g *GlasswallEngine) sanitize(ctx context.Context, localPath string) (adapters.SanitizeResult, error) {
	start := time.Now()

	info, err := os.Stat(localPath)
	if err != nil {
		return adapters.SanitizeResult{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	bytesBefore := info.Size()

	body, contentType, err := multipartFile(localPath)
	if err != nil {
		return adapters.SanitizeResult{}, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL+"/api/rebuild", body)
	if err != nil {
		return adapters.SanitizeResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-api-key", g.cfg.APIKey)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return adapters.SanitizeResult{Status: adapters.SanitizeErr, Err: err}, nil
	}
	defer resp.Body.Close()

	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("rebuild failed with status %d: %s", resp.StatusCode, out)
		return adapters.SanitizeResult{Status: adapters.SanitizeErr, ProcessingMillis: elapsed, Err: err}, nil
	}

	sanitizedPath := sanitizedOutputPath(localPath)
	out, err := os.Create(sanitizedPath)
	if err != nil {
		return adapters.SanitizeResult{}, fmt.Errorf("create sanitized file: %w", err)
	}
	defer out.Close()

	bytesAfter, err := io.Copy(out, resp.Body)
	if err != nil {
		return adapters.SanitizeResult{}, fmt.Errorf("write sanitized file: %w", err)
	}

	threatsFound := 0
	if bytesAfter != bytesBefore {
		// The rebuild API doesn't report a threat count directly; a changed
		// byte size is the only signal available that content was removed,
		// matching the originating implementation's simplification.
		threatsFound = 1
	}

	return adapters.SanitizeResult{
		Status:           adapters.SanitizeOK,
		SanitizedPath:    sanitizedPath,
		ProcessingMillis: elapsed,
		BytesBefore:      bytesBefore,
		BytesAfter:       bytesAfter,
		ThreatsFound:     threatsFound,
	}, nil
}

func sanitizedOutputPath(localPath string) string {
	ext := filepath.Ext(localPath)
	base := localPath[:len(localPath)-len(ext)]
	return base + "_sanitized" + ext
}

func multipartFile(localPath string) (io.Reader, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var _ adapters.CDREngine = (*GlasswallEngine)(nil)
