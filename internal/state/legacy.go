package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modelstack/internal/fsutil"
	"modelstack/internal/provider"
)

// MigrationError wraps a legacy-store migration failure. It is logged
// and swallowed; the store continues with whatever state loaded.
type MigrationError struct {
	User string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrating legacy store for user %s: %v", e.User, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

const legacyFileName = "legacy_store.json"

// legacyRecord is the pre-database flat layout: plaintext keys and
// string selections, one record per user under "users.<userId>".
type legacyRecord struct {
	APIKeys    map[string]string `json:"apiKeys"`
	Selections map[string]struct {
		Provider string `json:"provider"`
		ModelID  string `json:"modelId"`
	} `json:"selections"`
}

// migrateLegacy copies a legacy unencrypted record forward into the
// database, then deletes it. It runs only when the user has no
// credentials yet, so a second invocation is a no-op.
func (s *Store) migrateLegacy() error {
	if s.dataDir == ":memory:" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.creds) > 0 {
		return nil
	}

	legacyPath := filepath.Join(s.dataDir, legacyFileName)
	data, err := os.ReadFile(legacyPath) // #nosec G304 -- path derived from our own data dir
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &MigrationError{User: s.userID, Err: err}
	}

	var records map[string]legacyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return &MigrationError{User: s.userID, Err: err}
	}

	record, ok := records["users."+s.userID]
	if !ok {
		return nil
	}

	s.logger.Info("state.migration_started", "Migrating legacy store record", map[string]interface{}{
		"user": s.userID,
	})

	now := time.Now().UTC()
	for providerID, key := range record.APIKeys {
		if _, known := provider.Lookup(providerID); !known {
			continue
		}
		blob := []byte(key)
		if !provider.IsLocal(providerID) {
			var encErr error
			blob, encErr = s.keychain.Encrypt([]byte(key))
			if encErr != nil {
				return &MigrationError{User: s.userID, Err: encErr}
			}
		}
		s.creds[providerID] = blob
		s.credUpdated[providerID] = now
		if err := s.flushCredential(providerID); err != nil {
			return &MigrationError{User: s.userID, Err: err}
		}
	}

	for task, sel := range record.Selections {
		taskType := provider.TaskType(task)
		if taskType != provider.TaskLLM && taskType != provider.TaskSTT {
			continue
		}
		if err := s.setSelection(Selection{TaskType: taskType, Provider: sel.Provider, ModelID: sel.ModelID}); err != nil {
			return &MigrationError{User: s.userID, Err: err}
		}
	}

	// Selections referencing providers that did not survive the copy are
	// recomputed immediately.
	if err := s.reselectAll(context.Background()); err != nil {
		return &MigrationError{User: s.userID, Err: err}
	}

	delete(records, "users."+s.userID)
	if len(records) == 0 {
		if err := os.Remove(legacyPath); err != nil {
			return &MigrationError{User: s.userID, Err: err}
		}
	} else {
		remaining, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return &MigrationError{User: s.userID, Err: err}
		}
		if err := fsutil.AtomicWriteFile(legacyPath, remaining, 0o600, s.logger); err != nil {
			return &MigrationError{User: s.userID, Err: err}
		}
	}

	s.logger.Info("state.migration_completed", "Legacy store record migrated and removed", map[string]interface{}{
		"user": s.userID,
	})
	return nil
}
