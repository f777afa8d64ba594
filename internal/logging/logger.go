package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DetonationLog is a single phase-3 unit execution record: one file,
// detonated in one VM, against one EDR console. Persisting these alongside
// the phase summary gives an operator a per-file audit trail without
// having to replay the whole job.
type DetonationLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	BlobPath   string    `json:"blob_path"`
	VMName     string    `json:"vm_name"`
	EDRConsole string    `json:"edr_console"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	AlertCount int       `json:"alert_count,omitempty"`
	Retries    int       `json:"retries,omitempty"`
}

// Logger writes DetonationLog entries to console and/or a JSON lines file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a detonation log entry
func (l *Logger) Log(entry *DetonationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[detonation] %s %s %s vm=%s %dms alerts=%d%s\n",
			status, entry.JobID, entry.BlobPath, entry.VMName, entry.DurationMs, entry.AlertCount, retry)
		if entry.Error != "" {
			fmt.Printf("[detonation]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
