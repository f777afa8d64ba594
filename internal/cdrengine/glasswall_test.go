package cdrengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeWritesRebuiltArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		io.Copy(io.Discard, file)
		w.Write([]byte("rebuilt bytes"))
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(src, []byte("original bytes that are longer"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	engine := NewGlasswallEngine(GlasswallConfig{APIURL: srv.URL, APIKey: "secret"})
	result, err := engine.Sanitize(context.Background(), src)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("Status = %v, want ok", result.Status)
	}
	if result.ThreatsFound != 1 {
		t.Fatalf("ThreatsFound = %d, want 1 (sizes differ)", result.ThreatsFound)
	}

	got, err := os.ReadFile(result.SanitizedPath)
	if err != nil {
		t.Fatalf("read sanitized output: %v", err)
	}
	if string(got) != "rebuilt bytes" {
		t.Fatalf("sanitized content = %q, want %q", got, "rebuilt bytes")
	}
}

func TestSanitizeReturnsErrStatusOnNonOKResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("engine overloaded"))
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "doc.pdf")
	os.WriteFile(src, []byte("bytes"), 0o600)

	engine := NewGlasswallEngine(GlasswallConfig{APIURL: srv.URL, APIKey: "secret"})
	result, err := engine.Sanitize(context.Background(), src)
	if err != nil {
		t.Fatalf("Sanitize returned transport error: %v", err)
	}
	if result.Status != "err" {
		t.Fatalf("Status = %v, want err", result.Status)
	}
}
