package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"modelstack/internal/fsutil"
	"modelstack/internal/logging"
)

// TrackedModel is the persisted usage record for one model.
type TrackedModel struct {
	ID         string    `json:"id"`
	SizeBytes  int64     `json:"size_bytes"`
	LastUsed   time.Time `json:"last_used"`
	Installing bool      `json:"installing,omitempty"`
}

type trackerState struct {
	Service string         `json:"service"`
	Items   []TrackedModel `json:"items"`
	Updated time.Time      `json:"updated"`
}

// CacheStats summarizes the tracked models for status surfaces.
type CacheStats struct {
	Service    string        `json:"service"`
	ModelCount int           `json:"model_count"`
	TotalSize  int64         `json:"total_size"`
	Oldest     *TrackedModel `json:"oldest,omitempty"`
}

// ModelTracker persists per-model usage (last used, installing flag)
// for one service so eviction and status read from disk state, not the
// daemon.
type ModelTracker struct {
	stateDir string
	service  string
	logger   *logging.Logger

	mu sync.Mutex
}

// NewModelTracker creates a tracker writing under stateDir.
func NewModelTracker(stateDir, service string, logger *logging.Logger) *ModelTracker {
	return &ModelTracker{stateDir: stateDir, service: service, logger: logger}
}

func (t *ModelTracker) statePath() string {
	return filepath.Join(t.stateDir, fmt.Sprintf("%s_models_state.json", t.service))
}

func (t *ModelTracker) load() (*trackerState, error) {
	data, err := os.ReadFile(t.statePath()) // #nosec G304 -- path derived from our own state dir
	if err != nil {
		if os.IsNotExist(err) {
			return &trackerState{Service: t.service, Items: []TrackedModel{}}, nil
		}
		return nil, fmt.Errorf("reading model state: %w", err)
	}

	var state trackerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing model state: %w", err)
	}
	return &state, nil
}

func (t *ModelTracker) save(state *trackerState) error {
	if err := os.MkdirAll(t.stateDir, 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	state.Service = t.service
	state.Updated = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling model state: %w", err)
	}
	return fsutil.AtomicWriteFile(t.statePath(), data, 0o644, t.logger)
}

// mutate loads, applies fn and saves; write failures are logged and
// swallowed since the tracker is advisory state.
func (t *ModelTracker) mutate(fn func(*trackerState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load()
	if err != nil {
		t.logger.Warn("models.state_load_failed", "Model state unreadable, starting fresh", map[string]interface{}{
			"service": t.service,
			"error":   err.Error(),
		})
		state = &trackerState{Service: t.service, Items: []TrackedModel{}}
	}

	fn(state)

	if err := t.save(state); err != nil {
		t.logger.Warn("models.state_save_failed", "Model state not persisted", map[string]interface{}{
			"service": t.service,
			"error":   err.Error(),
		})
	}
}

// Sync reconciles the tracker with the daemon's catalog, preserving
// last-used timestamps for models that survive.
func (t *ModelTracker) Sync(models []ModelDescriptor) {
	t.mutate(func(state *trackerState) {
		existing := make(map[string]TrackedModel, len(state.Items))
		for _, item := range state.Items {
			existing[item.ID] = item
		}

		items := make([]TrackedModel, 0, len(models))
		for _, m := range models {
			tracked := TrackedModel{ID: m.ID, SizeBytes: m.SizeBytes, LastUsed: time.Now().UTC()}
			if prev, ok := existing[m.ID]; ok {
				tracked.LastUsed = prev.LastUsed
			}
			items = append(items, tracked)
		}
		state.Items = items
	})
}

// MarkInstalling flags a model as mid-pull.
func (t *ModelTracker) MarkInstalling(modelID string) {
	t.mutate(func(state *trackerState) {
		for i, item := range state.Items {
			if item.ID == modelID {
				state.Items[i].Installing = true
				return
			}
		}
		state.Items = append(state.Items, TrackedModel{ID: modelID, Installing: true, LastUsed: time.Now().UTC()})
	})
}

// ClearInstalling removes a failed pull's partial record so a retry
// starts clean.
func (t *ModelTracker) ClearInstalling(modelID string) {
	t.mutate(func(state *trackerState) {
		items := state.Items[:0]
		for _, item := range state.Items {
			if item.ID == modelID && item.Installing {
				continue
			}
			items = append(items, item)
		}
		state.Items = items
	})
}

// MarkInstalled settles a completed pull.
func (t *ModelTracker) MarkInstalled(modelID string) {
	t.mutate(func(state *trackerState) {
		for i, item := range state.Items {
			if item.ID == modelID {
				state.Items[i].Installing = false
				state.Items[i].LastUsed = time.Now().UTC()
				return
			}
		}
		state.Items = append(state.Items, TrackedModel{ID: modelID, LastUsed: time.Now().UTC()})
	})
}

// Remove drops a model's record entirely (deleted from the daemon).
func (t *ModelTracker) Remove(modelID string) {
	t.mutate(func(state *trackerState) {
		items := state.Items[:0]
		for _, item := range state.Items {
			if item.ID == modelID {
				continue
			}
			items = append(items, item)
		}
		state.Items = items
	})
}

// Touch refreshes a model's last-used timestamp.
func (t *ModelTracker) Touch(modelID string) {
	t.mutate(func(state *trackerState) {
		for i, item := range state.Items {
			if item.ID == modelID {
				state.Items[i].LastUsed = time.Now().UTC()
				return
			}
		}
	})
}

// OldestFirst returns tracked models sorted by last use, oldest first.
// Eviction callers delete from the front.
func (t *ModelTracker) OldestFirst() ([]TrackedModel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load()
	if err != nil {
		return nil, err
	}

	models := make([]TrackedModel, len(state.Items))
	copy(models, state.Items)
	sort.Slice(models, func(i, j int) bool {
		return models[i].LastUsed.Before(models[j].LastUsed)
	})
	return models, nil
}

// Stats summarizes tracked models.
func (t *ModelTracker) Stats() (*CacheStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load()
	if err != nil {
		return nil, err
	}

	stats := &CacheStats{Service: t.service, ModelCount: len(state.Items)}
	var oldest *TrackedModel
	for i := range state.Items {
		stats.TotalSize += state.Items[i].SizeBytes
		if oldest == nil || state.Items[i].LastUsed.Before(oldest.LastUsed) {
			m := state.Items[i]
			oldest = &m
		}
	}
	stats.Oldest = oldest
	return stats, nil
}
