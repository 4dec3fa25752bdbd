package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openjuris/docket-harvester/internal/harvest"
	"github.com/openjuris/docket-harvester/internal/hash/sha256"
)

// FSConfig captures the parameters for the filesystem export sink.
type FSConfig struct {
	// BaseDir is the root directory records are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// FSExporter writes raw payloads and per-record metadata to the local
// filesystem: <base>/<prefix>/<yy>/<case-id>.{html,json}, run
// summaries under <base>/runs/.
type FSExporter struct {
	baseDir string
	hasher  *sha256.Hasher
}

// recordMeta is the sidecar JSON written next to each raw payload.
type recordMeta struct {
	CaseID    string            `json:"case_id"`
	FetchedAt time.Time         `json:"fetched_at"`
	Fields    map[string]string `json:"fields"`
	RawBytes  int               `json:"raw_bytes"`
	RawSHA256 string            `json:"raw_sha256,omitempty"`
}

// NewFSExporter validates the base directory, creating it if missing.
func NewFSExporter(cfg FSConfig) (*FSExporter, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	return &FSExporter{baseDir: cfg.BaseDir, hasher: sha256.New()}, nil
}

// SaveRecord writes the raw payload and its metadata sidecar. A record
// whose sidecar already exists reports Updated rather than New.
func (e *FSExporter) SaveRecord(ctx context.Context, rec harvest.Record) (harvest.SaveStatus, string, error) {
	if err := ctx.Err(); err != nil {
		return harvest.SaveFailed, "canceled", err
	}
	if rec.ID.Prefix == "" || rec.ID.Seq < 1 {
		return harvest.SaveFailed, "malformed record id", fmt.Errorf("malformed record id %q", rec.ID)
	}

	base := e.recordBase(rec.ID)
	if err := os.MkdirAll(filepath.Dir(base), 0o750); err != nil {
		return harvest.SaveFailed, "create record directory", fmt.Errorf("create record directory: %w", err)
	}

	status := harvest.SaveNew
	if _, err := os.Stat(base + ".json"); err == nil {
		status = harvest.SaveUpdated
	}

	if len(rec.Raw) > 0 {
		if err := os.WriteFile(base+".html", rec.Raw, 0o600); err != nil {
			return harvest.SaveFailed, "write payload", fmt.Errorf("write payload for %s: %w", rec.ID, err)
		}
	}

	meta := recordMeta{
		CaseID:    rec.ID.String(),
		FetchedAt: rec.FetchedAt,
		Fields:    normalizeFields(rec.Fields),
		RawBytes:  len(rec.Raw),
	}
	if len(rec.Raw) > 0 {
		meta.RawSHA256 = e.hasher.Hash(rec.Raw)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return harvest.SaveFailed, "marshal metadata", fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
	}
	if err := os.WriteFile(base+".json", data, 0o600); err != nil {
		return harvest.SaveFailed, "write metadata", fmt.Errorf("write metadata for %s: %w", rec.ID, err)
	}

	if status == harvest.SaveNew {
		return status, "record saved", nil
	}
	return status, "record updated", nil
}

// RecordExists reports whether the metadata sidecar is on disk.
func (e *FSExporter) RecordExists(_ context.Context, id harvest.CaseID) (bool, error) {
	_, err := os.Stat(e.recordBase(id) + ".json")
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat record %s: %w", id, err)
}

// WriteRunSummary writes the summary as runs/run-<run-id>.json.
func (e *FSExporter) WriteRunSummary(_ context.Context, summary harvest.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	dir := filepath.Join(e.baseDir, "runs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create runs directory: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary %s: %w", summary.RunID, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", summary.RunID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write run summary %s: %w", summary.RunID, err)
	}
	return nil
}

func (e *FSExporter) recordBase(id harvest.CaseID) string {
	return filepath.Join(
		e.baseDir,
		id.Prefix,
		fmt.Sprintf("%02d", id.Year%100),
		id.String(),
	)
}
