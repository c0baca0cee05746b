package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"modelstack/internal/fsutil"
	"modelstack/internal/provider"
)

// snapshot is the fallback file layout. Credential blobs stay in their
// at-rest form (encrypted for remote providers) so the fallback is no
// weaker than the database.
type snapshot struct {
	UserID      string                         `json:"user_id"`
	SavedAt     time.Time                      `json:"saved_at"`
	Credentials map[string]snapshotCred        `json:"credentials"`
	Selections  map[provider.TaskType]Selection `json:"selections"`
}

type snapshotCred struct {
	KeyEnc    []byte    `json:"key_enc"`
	UpdatedAt time.Time `json:"updated_at"`
}

// writeFallback snapshots the in-memory state to the fallback file.
// Caller holds the lock.
func (s *Store) writeFallback() error {
	if s.dataDir == ":memory:" {
		return fmt.Errorf("no fallback path for in-memory store")
	}

	snap := snapshot{
		UserID:      s.userID,
		SavedAt:     time.Now().UTC(),
		Credentials: make(map[string]snapshotCred, len(s.creds)),
		Selections:  make(map[provider.TaskType]Selection, len(s.selections)),
	}
	for id, blob := range s.creds {
		snap.Credentials[id] = snapshotCred{KeyEnc: blob, UpdatedAt: s.credUpdated[id]}
	}
	for task, sel := range s.selections {
		snap.Selections[task] = sel
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(s.fallbackPath(), data, 0o600, s.logger)
}

// replayFallback merges a pending snapshot into memory and the
// database, then removes it. The snapshot is newer than the database by
// construction (it only exists after a failed flush), so it wins.
func (s *Store) replayFallback() {
	if s.dataDir == ":memory:" {
		return
	}

	data, err := os.ReadFile(s.fallbackPath()) // #nosec G304 -- path derived from our own data dir
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("state.fallback_unreadable", "Fallback snapshot could not be read", map[string]interface{}{
			"path":  s.fallbackPath(),
			"error": err.Error(),
		})
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("state.fallback_corrupt", "Fallback snapshot could not be parsed", map[string]interface{}{
			"path":  s.fallbackPath(),
			"error": err.Error(),
		})
		return
	}
	if snap.UserID != s.userID {
		return
	}

	s.logger.Info("state.fallback_replay", "Replaying fallback snapshot into database", map[string]interface{}{
		"user":     s.userID,
		"saved_at": snap.SavedAt.Format(time.RFC3339),
	})

	s.creds = make(map[string][]byte, len(snap.Credentials))
	s.credUpdated = make(map[string]time.Time, len(snap.Credentials))
	for id, cred := range snap.Credentials {
		s.creds[id] = cred.KeyEnc
		s.credUpdated[id] = cred.UpdatedAt
	}
	s.selections = make(map[provider.TaskType]Selection, len(snap.Selections))
	for task, sel := range snap.Selections {
		s.selections[task] = sel
	}

	for id := range s.creds {
		if _, err := s.db.Exec(`
			INSERT INTO credentials (user_id, provider, api_key_enc, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, provider) DO UPDATE SET api_key_enc = excluded.api_key_enc, updated_at = excluded.updated_at`,
			s.userID, id, s.creds[id], s.credUpdated[id].Format(time.RFC3339)); err != nil {
			s.logger.Error("state.fallback_replay_failed", "Snapshot row could not be written, keeping fallback file", map[string]interface{}{
				"provider": id,
				"error":    err.Error(),
			})
			return
		}
	}
	for _, sel := range s.selections {
		if _, err := s.db.Exec(`
			INSERT INTO selections (user_id, task_type, provider, model_id) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, task_type) DO UPDATE SET provider = excluded.provider, model_id = excluded.model_id`,
			s.userID, string(sel.TaskType), sel.Provider, sel.ModelID); err != nil {
			s.logger.Error("state.fallback_replay_failed", "Snapshot row could not be written, keeping fallback file", map[string]interface{}{
				"task":  string(sel.TaskType),
				"error": err.Error(),
			})
			return
		}
	}

	if err := os.Remove(s.fallbackPath()); err != nil {
		s.logger.Warn("state.fallback_cleanup_failed", "Replayed snapshot could not be removed", map[string]interface{}{
			"path":  s.fallbackPath(),
			"error": err.Error(),
		})
	}
}
