package avengine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// writeFakeClamscan writes a shell script standing in for clamscan: it
// inspects the target file's content for a marker string and exits 1 (virus
// found) or 0 (clean), matching clamscan's own exit code convention.
func writeFakeClamscan(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake clamscan script is POSIX shell only")
	}
	path := filepath.Join(t.TempDir(), "clamscan")
	script := `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "ClamAV 1.2.0/fake-db"
  exit 0
fi
file="$2"
if grep -q EICAR "$file" 2>/dev/null; then
  echo "$file: Win.Test.EICAR_HDB-1 FOUND"
  exit 1
fi
echo "$file: OK"
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake clamscan: %v", err)
	}
	return path
}

func TestScanCleanFileReturnsNotMalicious(t *testing.T) {
	clamscan := writeFakeClamscan(t)
	engine, err := NewClamAVEngine(context.Background(), clamscan)
	if err != nil {
		t.Fatalf("NewClamAVEngine: %v", err)
	}

	target := filepath.Join(t.TempDir(), "clean.txt")
	os.WriteFile(target, []byte("nothing suspicious"), 0o600)

	verdict, err := engine.Scan(context.Background(), target)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if verdict.IsMalicious {
		t.Fatal("expected clean verdict")
	}
	if verdict.EngineVersion == "" {
		t.Fatal("expected EngineVersion to be populated")
	}
}

func TestScanInfectedFileReturnsMaliciousVerdict(t *testing.T) {
	clamscan := writeFakeClamscan(t)
	engine, err := NewClamAVEngine(context.Background(), clamscan)
	if err != nil {
		t.Fatalf("NewClamAVEngine: %v", err)
	}

	target := filepath.Join(t.TempDir(), "eicar.txt")
	os.WriteFile(target, []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE"), 0o600)

	verdict, err := engine.Scan(context.Background(), target)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !verdict.IsMalicious {
		t.Fatal("expected malicious verdict")
	}
	if verdict.ThreatName != "Win.Test.EICAR_HDB-1" {
		t.Fatalf("ThreatName = %q, want Win.Test.EICAR_HDB-1", verdict.ThreatName)
	}
}

func TestNewClamAVEngineErrorsWhenBinaryMissing(t *testing.T) {
	_, err := NewClamAVEngine(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error when clamscan binary is missing")
	}
}
