package symcache

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	serrors "github.com/jward/symcache/internal/errors"
	"github.com/jward/symcache/internal/project"
)

// maxStatusErrors bounds the error list kept in Status.
const maxStatusErrors = 200

// FileError is one per-file failure or diagnostic of a run.
type FileError struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ChangeCounts summarizes the ChangeSet of a run.
type ChangeCounts struct {
	Added           int  `json:"added"`
	Modified        int  `json:"modified"`
	Deleted         int  `json:"deleted"`
	ArgsChanged     int  `json:"args_changed"`
	ModifiedHeaders int  `json:"modified_headers"`
	DeletedHeaders  int  `json:"deleted_headers"`
	Expanded        int  `json:"expanded"`
	ManifestChanged bool `json:"build_manifest_changed"`
}

// Status is the indexing status of the active project. It is also written
// to status.json in the project's cache directory.
type Status struct {
	Project    ProjectIdentity `json:"project"`
	State      State           `json:"state"`
	RunID      string          `json:"run_id,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`

	Total   int     `json:"total"`
	Done    int     `json:"done"`
	Percent float64 `json:"percent"`

	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Partial      int `json:"partial"`
	Deleted      int `json:"deleted"`
	Pruned       int `json:"pruned_headers"`
	FallbackArgs int `json:"fallback_args"`
	Workers      int `json:"workers"`

	Changes ChangeCounts `json:"changes"`
	// Errors is non-nil whenever a file failed or produced diagnostics.
	Errors    []FileError `json:"errors"`
	LastError string      `json:"last_error,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`

	IndexedSymbols int `json:"indexed_symbols"`
	IndexedFiles   int `json:"indexed_files"`

	NeedsFullRefresh       bool   `json:"needs_full_refresh,omitempty"`
	NeedsFullRefreshReason string `json:"needs_full_refresh_reason,omitempty"`
	StoreRebuilt           bool   `json:"store_rebuilt,omitempty"`
}

// tracker owns the mutable Status of one project.
type tracker struct {
	mu     sync.Mutex
	st     Status
	path   string
	logger *slog.Logger
}

func newTracker(id project.Identity, path string, logger *slog.Logger) *tracker {
	t := &tracker{path: path, logger: logger}
	t.st = Status{Project: id, State: StateIdle}
	return t
}

// snapshot returns a copy safe to hand out.
func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.st
	s.Errors = slices.Clone(t.st.Errors)
	return s
}

func (t *tracker) update(fn func(*Status)) {
	t.mu.Lock()
	fn(&t.st)
	t.mu.Unlock()
}

// begin resets the per-run counters.
func (t *tracker) begin(runID string, mode RefreshMode) {
	t.update(func(s *Status) {
		keep := Status{
			Project:                s.Project,
			NeedsFullRefresh:       s.NeedsFullRefresh,
			NeedsFullRefreshReason: s.NeedsFullRefreshReason,
			StoreRebuilt:           s.StoreRebuilt,
			IndexedSymbols:         s.IndexedSymbols,
			IndexedFiles:           s.IndexedFiles,
		}
		*s = keep
		s.RunID = runID
		s.Mode = mode.String()
		s.State = StateScanning
		s.StartedAt = time.Now().UTC()
	})
}

func (t *tracker) setState(state State) {
	t.update(func(s *Status) { s.State = state })
	t.persist()
}

func (t *tracker) addError(path string, err error) {
	t.update(func(s *Status) {
		if s.Errors == nil {
			s.Errors = []FileError{}
		}
		if len(s.Errors) >= maxStatusErrors {
			return
		}
		kind := string(serrors.KindOf(err))
		if kind == "" {
			kind = "error"
		}
		s.Errors = append(s.Errors, FileError{Path: path, Kind: kind, Message: err.Error()})
	})
}

func (t *tracker) addDiagnostic(path, msg string) {
	t.update(func(s *Status) {
		if s.Errors == nil {
			s.Errors = []FileError{}
		}
		if len(s.Errors) < maxStatusErrors {
			s.Errors = append(s.Errors, FileError{Path: path, Kind: "diagnostic", Message: msg})
		}
	})
}

// finish records the end of a run. err is the fatal error, if any.
func (t *tracker) finish(err error, cancelled bool) {
	t.update(func(s *Status) {
		s.FinishedAt = time.Now().UTC()
		s.Cancelled = cancelled
		if err != nil && !cancelled {
			s.State = StateError
			s.LastError = err.Error()
		} else {
			s.State = StateIdle
		}
		if s.Failed > 0 && s.Errors == nil {
			s.Errors = []FileError{}
		}
	})
	t.persist()
}

func (t *tracker) persist() {
	if t.path == "" {
		return
	}
	s := t.snapshot()
	if err := project.WriteJSON(t.path, &s); err != nil {
		t.logger.Warn("write status", slog.String("path", t.path), slog.String("error", err.Error()))
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
