// Package manifest parses YAML batch-job manifests for the job submit CLI
// command, so an operator can describe a batch declaratively instead of
// passing every flag on the command line.
package manifest

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oriys/cdrguard/internal/domain"
)

// BatchManifest is the YAML shape of one batch job submission.
type BatchManifest struct {
	APIVersion string   `yaml:"apiVersion,omitempty"`
	Kind       string   `yaml:"kind,omitempty"` // always "BatchJob"
	Container  string   `yaml:"container"`
	Files      []string `yaml:"files,omitempty"`
	Phases     []int    `yaml:"phases,omitempty"`
	Priority   string   `yaml:"priority,omitempty"`
}

// ParseFile reads and validates a batch manifest from path.
func ParseFile(path string) (*BatchManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a single YAML document into a BatchManifest.
func Parse(r io.Reader) (*BatchManifest, error) {
	var m BatchManifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest carries enough information to submit a job.
func (m *BatchManifest) Validate() error {
	if m.Container == "" {
		return fmt.Errorf("manifest: container is required")
	}
	for _, p := range m.Phases {
		if !domain.Phase(p).Valid() {
			return fmt.Errorf("manifest: phase %d is not valid (must be 1, 2, or 3)", p)
		}
	}
	return nil
}

// ToBatchJobRequest converts the manifest into the API request shape,
// defaulting to all three phases and normal priority when the manifest
// leaves them unset.
func (m *BatchManifest) ToBatchJobRequest() domain.BatchJobRequest {
	phases := m.Phases
	if len(phases) == 0 {
		phases = []int{1, 2, 3}
	}
	enabled := make([]domain.Phase, 0, len(phases))
	for _, p := range phases {
		enabled = append(enabled, domain.Phase(p))
	}

	priority := domain.Priority(m.Priority)
	if !priority.IsValid() {
		priority = domain.PriorityNormal
	}

	return domain.BatchJobRequest{
		ContainerName: m.Container,
		FilePaths:     m.Files,
		EnabledPhases: enabled,
		Priority:      priority,
	}
}
