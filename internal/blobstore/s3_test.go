package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// fakeS3Server serves just enough of the S3 REST API (GetObject, PutObject,
// ListObjectsV2) for Store's three operations, keyed by path.
func fakeS3Server(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	objects := map[string][]byte{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			objects[key] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if r.URL.Query().Has("list-type") {
				writeListObjectsResponse(w, objects, r.URL.Query().Get("prefix"))
				return
			}
			data, ok := objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return httptest.NewServer(mux), objects
}

func writeListObjectsResponse(w http.ResponseWriter, objects map[string][]byte, prefix string) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	for key := range objects {
		if prefix != "" && len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			fmt.Fprintf(w, "<Contents><Key>%s</Key></Contents>", key)
		}
	}
	fmt.Fprint(w, `</ListBucketResult>`)
}

func newTestStore(t *testing.T, endpoint string) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	srv, _ := fakeS3Server(t)
	defer srv.Close()
	store := newTestStore(t, srv.URL)

	localSrc := filepath.Join(t.TempDir(), "original.pdf")
	if err := os.WriteFile(localSrc, []byte("pdf bytes"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := store.Upload(context.Background(), "uploads", localSrc, "docs/original.pdf"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "downloaded.pdf")
	if err := store.Download(context.Background(), "uploads", "docs/original.pdf", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != "pdf bytes" {
		t.Fatalf("downloaded content = %q, want %q", got, "pdf bytes")
	}
}

func TestDownloadMissingObjectReturnsError(t *testing.T) {
	srv, _ := fakeS3Server(t)
	defer srv.Close()
	store := newTestStore(t, srv.URL)

	dest := filepath.Join(t.TempDir(), "out")
	if err := store.Download(context.Background(), "uploads", "missing.pdf", dest); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestListReturnsKeysMatchingPrefix(t *testing.T) {
	srv, objects := fakeS3Server(t)
	defer srv.Close()
	objects["uploads/a.pdf"] = []byte("a")
	objects["uploads/b.pdf"] = []byte("b")
	objects["other/c.pdf"] = []byte("c")
	store := newTestStore(t, srv.URL)

	keys, err := store.List(context.Background(), "bucket", "uploads/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys under uploads/, got %d: %v", len(keys), keys)
	}
}
