// Package doctor inspects a txfs root for leftovers of interrupted
// transactions and repairs what can be removed safely.
package doctor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/jvs-project/txfs/internal/audit"
	"github.com/jvs-project/txfs/pkg/config"
	"github.com/jvs-project/txfs/pkg/model"
)

// DefaultStaleAfter is how old a staging directory must be before it is
// treated as abandoned.
const DefaultStaleAfter = time.Hour

const tmpPrefix = ".txfs-tmp-"

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	Repairable  bool   `json:"repairable,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
	Repaired []string  `json:"repaired,omitempty"`
}

// Doctor performs health checks on a txfs root.
type Doctor struct {
	root       string
	cfg        *config.Config
	staleAfter time.Duration
	now        func() time.Time
}

// NewDoctor creates a doctor for root using cfg.
func NewDoctor(root string, cfg *config.Config) *Doctor {
	return &Doctor{root: root, cfg: cfg, staleAfter: DefaultStaleAfter, now: time.Now}
}

// WithStaleAfter overrides the staging directory age threshold.
func (d *Doctor) WithStaleAfter(age time.Duration) *Doctor {
	d.staleAfter = age
	return d
}

// Check runs all diagnostic checks. In strict mode transactions left in
// doubt make the root unhealthy instead of only being reported.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkConfig(result)
	d.checkStaging(result)
	d.checkLog(result, strict)
	d.checkOrphanTmp(result)

	return result, nil
}

// Repair removes abandoned staging directories and orphan temp files found
// by Check. Other findings need a human.
func (d *Doctor) Repair() (*Result, error) {
	result, err := d.Check(false)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, f := range result.Findings {
		if !f.Repairable {
			continue
		}
		if err := os.RemoveAll(f.Path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", f.Path, err))
			continue
		}
		result.Repaired = append(result.Repaired, f.Path)
	}
	return result, errs
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

func (d *Doctor) checkConfig(result *Result) {
	if err := d.cfg.Validate(); err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        config.Path(d.root),
		})
	}
}

func (d *Doctor) checkStaging(result *Result) {
	stagingDir := d.cfg.StagingDir(d.root)
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return // nothing staged yet
	}

	cutoff := d.now().Add(-d.staleAfter)
	for _, entry := range entries {
		path := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !entry.IsDir() {
			result.add(Finding{
				Category:    "staging",
				Description: fmt.Sprintf("unexpected file in staging directory: %s", entry.Name()),
				Severity:    SeverityInfo,
				Path:        path,
			})
			continue
		}
		if info.ModTime().After(cutoff) {
			continue // may belong to a live transaction
		}
		result.add(Finding{
			Category:    "staging",
			Description: fmt.Sprintf("abandoned staging directory for transaction %s (modified %s)", entry.Name(), info.ModTime().Format(time.RFC3339)),
			Severity:    SeverityWarning,
			Path:        path,
			Repairable:  true,
		})
	}
}

func (d *Doctor) checkLog(result *Result, strict bool) {
	logPath := d.cfg.LogPath(d.root)
	if logPath == "" {
		return
	}
	log := audit.NewFileAppender(logPath)

	if n, err := log.Verify(); err != nil {
		result.add(Finding{
			Category:    "log",
			Description: fmt.Sprintf("transaction log verification failed after %d records: %v", n, err),
			Severity:    SeverityCritical,
			Path:        logPath,
		})
		return
	}

	records, err := log.Records()
	if err != nil {
		result.add(Finding{
			Category:    "log",
			Description: fmt.Sprintf("cannot read transaction log: %v", err),
			Severity:    SeverityError,
			Path:        logPath,
		})
		return
	}

	last := make(map[string]model.LogEventType)
	var order []string
	for _, rec := range records {
		if _, seen := last[rec.TransactionID]; !seen {
			order = append(order, rec.TransactionID)
		}
		last[rec.TransactionID] = rec.EventType
	}

	inDoubt := SeverityWarning
	if strict {
		inDoubt = SeverityCritical
	}
	for _, id := range order {
		switch last[id] {
		case model.EventInDoubt:
			result.add(Finding{
				Category:    "log",
				Description: fmt.Sprintf("transaction %s is in doubt; its changes may be partially applied", id),
				Severity:    inDoubt,
				Path:        logPath,
			})
		case model.EventBegin:
			result.add(Finding{
				Category:    "log",
				Description: fmt.Sprintf("transaction %s has no recorded outcome", id),
				Severity:    SeverityInfo,
				Path:        logPath,
			})
		}
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	_ = filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if path != d.root && entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), tmpPrefix) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", entry.Name()),
				Severity:    SeverityInfo,
				Path:        path,
				Repairable:  true,
			})
		}
		return nil
	})
}
