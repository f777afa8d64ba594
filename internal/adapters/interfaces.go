// Package adapters defines the minimal capability interfaces the pipeline
// depends on for every external collaborator — CDR engines, AV engines, EDR
// consoles, blob storage, and the VM backend — plus the value types they
// exchange. Each interface is deliberately narrow: the engines/consoles
// themselves are out of scope; only their contracts matter here.
package adapters

import (
	"context"
	"time"
)

// SanitizeStatus is the outcome of a single CDR sanitize call.
type SanitizeStatus string

const (
	SanitizeOK  SanitizeStatus = "ok"
	SanitizeErr SanitizeStatus = "err"
)

// SanitizeResult is returned by CDREngine.Sanitize.
type SanitizeResult struct {
	Status          SanitizeStatus
	SanitizedPath   string // local path to the sanitized artifact; empty on error
	ProcessingMillis int64
	BytesBefore     int64
	BytesAfter      int64
	ThreatsFound    int
	Err             error
}

// CDREngine disarms and reconstructs a single local file.
type CDREngine interface {
	Name() string
	Sanitize(ctx context.Context, localPath string) (SanitizeResult, error)
}

// ScanVerdict is returned by AVEngine.Scan.
type ScanVerdict struct {
	IsMalicious   bool
	ThreatName    string
	Confidence    int // 0-100
	ScanMillis    int64
	EngineVersion string
}

// AVEngine scans a single local file for known malware signatures.
type AVEngine interface {
	Name() string
	Scan(ctx context.Context, localPath string) (ScanVerdict, error)
}

// Alert is one raw alert entry surfaced by an EDR console.
type Alert struct {
	ID         string
	Severity   string
	ThreatType string
	Detail     string
	Timestamp  time.Time
}

// EDRConsole queries a vendor EDR console for alerts raised by a host within
// a time window.
type EDRConsole interface {
	Name() string
	GetAlerts(ctx context.Context, host string, from, to time.Time) ([]Alert, error)
}

// BlobStore is the object-storage collaborator originals and sanitized
// artifacts are read from and written to.
type BlobStore interface {
	List(ctx context.Context, container, prefix string) ([]string, error)
	Download(ctx context.Context, container, path, localDest string) error
	Upload(ctx context.Context, container, localSrc, path string) error
}

// VMSpec describes the VM to provision for a given EDR label.
type VMSpec struct {
	EDRLabel      string
	BaseImage     string
	VMSize        string
	SubnetID      string
	AdminUsername string
	AdminPassword string
}

// VMHandle is the backend's live handle to a provisioned VM, opaque outside
// the adapter + VM pool.
type VMHandle struct {
	Name      string
	PublicIP  string
	PrivateIP string
}

// VMBackend provisions, destroys, and drives detonation VMs. The VM pool is
// the only caller; it owns VM lifecycle state, this interface only performs
// the underlying operations.
type VMBackend interface {
	Create(ctx context.Context, spec VMSpec) (VMHandle, error)
	Delete(ctx context.Context, vm VMHandle) error
	// RunCommand executes a shell command on the VM and returns combined
	// output. Used both for the detonation step and for cleanup scripts.
	RunCommand(ctx context.Context, vm VMHandle, command string, timeout time.Duration) (string, error)
	// CopyFile copies a local file onto the VM at remotePath.
	CopyFile(ctx context.Context, vm VMHandle, localPath, remotePath string) error
	GetIPs(ctx context.Context, vm VMHandle) (publicIP, privateIP string, err error)
}
