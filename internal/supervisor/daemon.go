package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"modelstack/internal/governor"
)

// ModelDescriptor is one model known to the service.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	SizeBytes   int64  `json:"size_bytes"`
	Installed   bool   `json:"installed"`
	Installing  bool   `json:"installing"`
}

var daemonClient = &http.Client{Timeout: 30 * time.Minute}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
	} `json:"models"`
}

type pullEvent struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullProgressFunc receives normalized pull progress: the daemon's
// named stage and a 0-100 percentage.
type PullProgressFunc func(stage string, percent float64)

// InstalledModels lists the daemon's model catalog. Failures yield an
// empty list, never an error: the caller must treat absence as
// "unknown", not "none installed".
func (s *Supervisor) InstalledModels(ctx context.Context) []ModelDescriptor {
	models, err := governor.Execute(ctx, s.gov, "tags", func(callCtx context.Context) ([]ModelDescriptor, error) {
		return s.fetchTags(callCtx)
	}, governor.CallOptions{})
	if err != nil {
		s.logger.Warn("supervisor.tags_unavailable", "Installed model listing failed", map[string]interface{}{
			"service": s.name,
			"error":   err.Error(),
		})
		return []ModelDescriptor{}
	}

	s.models.Sync(models)
	return models
}

func (s *Supervisor) fetchTags(ctx context.Context) ([]ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := daemonClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API returned status %d", s.name, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	models := make([]ModelDescriptor, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = ModelDescriptor{
			ID:          m.Name,
			DisplayName: m.Name,
			SizeBytes:   m.Size,
			Installed:   true,
		}
	}
	return models, nil
}

// PullModel streams the daemon's pull protocol, translating its named
// stages and byte counters into a 0-100 percentage. It resolves only on
// the stream's explicit success marker; a stream that merely ends is a
// failure. Failed pulls clear the installing mark so a retry starts
// clean.
func (s *Supervisor) PullModel(ctx context.Context, modelID string, onProgress PullProgressFunc) error {
	s.models.MarkInstalling(modelID)

	_, err := governor.Execute(ctx, s.gov, "pull_"+modelID, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, s.streamPull(callCtx, modelID, onProgress)
	}, governor.CallOptions{Timeout: 30 * time.Minute})

	if err != nil {
		s.models.ClearInstalling(modelID)
		s.logger.Error("supervisor.pull_failed", "Model pull failed", map[string]interface{}{
			"service": s.name,
			"model":   modelID,
			"error":   err.Error(),
		})
		return err
	}

	s.models.MarkInstalled(modelID)
	s.logger.Info("supervisor.pull_completed", "Model pull completed", map[string]interface{}{
		"service": s.name,
		"model":   modelID,
	})
	return nil
}

func (s *Supervisor) streamPull(ctx context.Context, modelID string, onProgress PullProgressFunc) error {
	body, err := json.Marshal(map[string]interface{}{"name": modelID, "stream": true})
	if err != nil {
		return fmt.Errorf("marshaling pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := daemonClient.Do(req)
	if err != nil {
		return fmt.Errorf("starting pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s API returned status %d", s.name, resp.StatusCode)
	}

	sawSuccess := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var event pullEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			s.logger.Warn("supervisor.pull_parse_error", "Unparseable pull progress line", map[string]interface{}{
				"service": s.name,
				"model":   modelID,
				"error":   err.Error(),
			})
			continue
		}

		if event.Error != "" {
			return fmt.Errorf("pull failed: %s", event.Error)
		}

		if onProgress != nil {
			percent := float64(0)
			if event.Total > 0 {
				percent = float64(event.Completed) / float64(event.Total) * 100
			}
			if event.Status == "success" {
				percent = 100
			}
			onProgress(event.Status, percent)
		}

		if event.Status == "success" {
			sawSuccess = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull stream interrupted: %w", err)
	}
	if !sawSuccess {
		return fmt.Errorf("pull stream ended without success marker")
	}
	return nil
}

// DeleteModel removes modelID from the daemon and drops its usage
// record.
func (s *Supervisor) DeleteModel(ctx context.Context, modelID string) error {
	_, err := governor.Execute(ctx, s.gov, "delete_"+modelID, func(callCtx context.Context) (struct{}, error) {
		body, err := json.Marshal(map[string]interface{}{"name": modelID})
		if err != nil {
			return struct{}{}, fmt.Errorf("marshaling delete request: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodDelete, s.cfg.BaseURL+"/api/delete", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := daemonClient.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("deleting model: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("%s API returned status %d", s.name, resp.StatusCode)
		}
		return struct{}{}, nil
	}, governor.CallOptions{})
	if err != nil {
		return err
	}

	s.models.Remove(modelID)
	s.logger.Info("supervisor.model_deleted", "Model deleted", map[string]interface{}{
		"service": s.name,
		"model":   modelID,
	})
	return nil
}

// EvictOldest deletes the least recently used installed model to free
// disk space. Models mid-install are never eviction candidates.
func (s *Supervisor) EvictOldest(ctx context.Context) (*TrackedModel, error) {
	candidates, err := s.models.OldestFirst()
	if err != nil {
		return nil, fmt.Errorf("reading model state: %w", err)
	}

	for _, model := range candidates {
		if model.Installing {
			continue
		}
		if err := s.DeleteModel(ctx, model.ID); err != nil {
			return nil, err
		}
		evicted := model
		return &evicted, nil
	}
	return nil, fmt.Errorf("no evictable models for %s", s.name)
}

// WarmUp primes modelID via the warm cache; false means "not ready
// yet", never a hard error.
func (s *Supervisor) WarmUp(ctx context.Context, modelID string, forceRefresh bool) bool {
	return s.warm.WarmUp(ctx, modelID, forceRefresh)
}

// IsWarm reports whether modelID is marked warm.
func (s *Supervisor) IsWarm(modelID string) bool {
	return s.warm.IsWarm(modelID)
}

// primeModel is the warm cache's primer: a cheap chat call that forces
// the daemon to load the model into memory.
func (s *Supervisor) primeModel(ctx context.Context, modelID string) error {
	_, err := governor.Execute(ctx, s.gov, "warmup_"+modelID, func(callCtx context.Context) (struct{}, error) {
		body, err := json.Marshal(map[string]interface{}{
			"model":    modelID,
			"messages": []struct{}{},
		})
		if err != nil {
			return struct{}{}, err
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := daemonClient.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("warm-up call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("warm-up returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}, governor.CallOptions{})
	if err != nil {
		return err
	}

	s.models.Touch(modelID)
	return nil
}
