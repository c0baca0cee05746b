package state

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"modelstack/internal/logging"
	"modelstack/internal/provider"
	"modelstack/internal/secrets"
)

// Selection is the active model choice for one task type.
type Selection struct {
	TaskType provider.TaskType `json:"task_type"`
	Provider string            `json:"provider"`
	ModelID  string            `json:"model_id"`
}

// ModelInfo is one selectable model offered to the UI.
type ModelInfo struct {
	Provider     string
	ProviderName string
	ModelID      string
	Local        bool
}

// LocalModelLister reports the models installed in a local daemon.
// The supervisor provides it; absent or failing listers simply hide the
// provider's models.
type LocalModelLister func(ctx context.Context, providerID string) ([]string, error)

// Store holds one user's credentials and selections. The database is
// the source of truth; the in-memory maps are a write-through cache
// flushed before any mutation returns. When the database cannot be
// written the full snapshot goes to a JSON fallback file instead, so a
// credential is never dropped on save failure.
type Store struct {
	db        *sql.DB
	keychain  *secrets.Keychain
	validator *provider.Validator
	logger    *logging.Logger
	userID    string
	dataDir   string

	localModels LocalModelLister

	mu          sync.Mutex
	creds       map[string][]byte
	credUpdated map[string]time.Time
	selections  map[provider.TaskType]Selection
}

// Option adjusts store construction.
type Option func(*Store)

// WithLocalModelLister wires the supervisor's installed-model lookup.
func WithLocalModelLister(l LocalModelLister) Option {
	return func(s *Store) { s.localModels = l }
}

// Open loads (or creates) the store for userID in dataDir. A pending
// fallback snapshot is replayed into the database first; a legacy
// unencrypted record, if present, is migrated and removed. Migration
// failures are logged and swallowed so startup never blocks on them.
func Open(dataDir, userID string, keychain *secrets.Keychain, validator *provider.Validator, logger *logging.Logger, opts ...Option) (*Store, error) {
	db, err := openDB(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		keychain:    keychain,
		validator:   validator,
		logger:      logger,
		userID:      userID,
		dataDir:     dataDir,
		creds:       make(map[string][]byte),
		credUpdated: make(map[string]time.Time),
		selections:  make(map[provider.TaskType]Selection),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadFromDB(); err != nil {
		db.Close()
		return nil, err
	}
	s.replayFallback()

	if err := s.migrateLegacy(); err != nil {
		logger.Error("state.migration_failed", "Legacy store migration failed, continuing with loaded state", map[string]interface{}{
			"user":  userID,
			"error": err.Error(),
		})
	}

	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetAPIKey validates and persists a credential, then re-runs
// auto-selection for every task type the provider serves.
func (s *Store) SetAPIKey(ctx context.Context, providerID, key string) error {
	if err := s.validator.ValidateKey(ctx, providerID, key); err != nil {
		return err
	}

	blob := []byte(key)
	if !provider.IsLocal(providerID) {
		var encErr error
		blob, encErr = s.keychain.Encrypt([]byte(key))
		if encErr != nil {
			return fmt.Errorf("encrypting credential for %s: %w", providerID, encErr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[providerID] = blob
	s.credUpdated[providerID] = time.Now().UTC()
	if err := s.flushCredential(providerID); err != nil {
		return err
	}

	s.logger.Info("state.key_stored", "Provider credential stored", map[string]interface{}{
		"user":     s.userID,
		"provider": providerID,
	})
	return s.reselectAll(ctx)
}

// RemoveAPIKey clears a credential and re-runs auto-selection.
func (s *Store) RemoveAPIKey(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[providerID]; !ok {
		return nil
	}
	delete(s.creds, providerID)
	delete(s.credUpdated, providerID)
	if err := s.deleteCredential(providerID); err != nil {
		return err
	}

	s.logger.Info("state.key_removed", "Provider credential removed", map[string]interface{}{
		"user":     s.userID,
		"provider": providerID,
	})
	return s.reselectAll(ctx)
}

// APIKey returns the decrypted credential for providerID, or "" when
// none is stored.
func (s *Store) APIKey(providerID string) (string, error) {
	s.mu.Lock()
	blob, ok := s.creds[providerID]
	s.mu.Unlock()

	if !ok {
		return "", nil
	}
	if provider.IsLocal(providerID) {
		return string(blob), nil
	}
	plain, err := s.keychain.Decrypt(blob)
	if err != nil {
		return "", fmt.Errorf("decrypting credential for %s: %w", providerID, err)
	}
	return string(plain), nil
}

// Login records the hosted identity's virtual key. The hosted provider
// always wins selection while the key is present.
func (s *Store) Login(ctx context.Context, virtualKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.keychain.Encrypt([]byte(virtualKey))
	if err != nil {
		return fmt.Errorf("encrypting virtual key: %w", err)
	}
	s.creds[provider.HostedID] = blob
	s.credUpdated[provider.HostedID] = time.Now().UTC()
	if err := s.flushCredential(provider.HostedID); err != nil {
		return err
	}

	s.logger.Info("state.login", "Virtual key granted", map[string]interface{}{"user": s.userID})
	return s.reselectAll(ctx)
}

// Logout discards the virtual key and re-runs normal auto-selection.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[provider.HostedID]; !ok {
		return nil
	}
	delete(s.creds, provider.HostedID)
	delete(s.credUpdated, provider.HostedID)
	if err := s.deleteCredential(provider.HostedID); err != nil {
		return err
	}

	s.logger.Info("state.logout", "Virtual key revoked", map[string]interface{}{"user": s.userID})
	return s.reselectAll(ctx)
}

// GetAvailableModels lists every model the user can select for task,
// across providers holding a valid credential.
func (s *Store) GetAvailableModels(ctx context.Context, task provider.TaskType) []ModelInfo {
	s.mu.Lock()
	credentialed := make(map[string]bool, len(s.creds))
	for id := range s.creds {
		credentialed[id] = true
	}
	s.mu.Unlock()

	var out []ModelInfo

	if credentialed[provider.HostedID] {
		hosted, _ := provider.Lookup(provider.HostedID)
		for _, m := range hosted.Models[task] {
			out = append(out, ModelInfo{Provider: hosted.ID, ProviderName: hosted.DisplayName, ModelID: m})
		}
	}

	for _, d := range provider.ForTask(task) {
		if !credentialed[d.ID] {
			continue
		}
		if d.Kind == provider.KindLocal {
			for _, m := range s.listLocalModels(ctx, d.ID) {
				out = append(out, ModelInfo{Provider: d.ID, ProviderName: d.DisplayName, ModelID: m, Local: true})
			}
			continue
		}
		for _, m := range d.Models[task] {
			out = append(out, ModelInfo{Provider: d.ID, ProviderName: d.DisplayName, ModelID: m})
		}
	}
	return out
}

// SetSelectedModel pins a model for task. The provider must hold a
// credential and serve the task type.
func (s *Store) SetSelectedModel(ctx context.Context, task provider.TaskType, providerID, modelID string) error {
	desc, ok := provider.Lookup(providerID)
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	if !desc.Supports(task) {
		return fmt.Errorf("provider %s does not serve %s", providerID, task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[providerID]; !ok {
		return fmt.Errorf("no credential stored for provider %s", providerID)
	}
	return s.setSelection(Selection{TaskType: task, Provider: providerID, ModelID: modelID})
}

// GetCurrentModelInfo returns the active selection for task, or nil
// when none exists (setup required).
func (s *Store) GetCurrentModelInfo(task provider.TaskType) *Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, ok := s.selections[task]
	if !ok {
		return nil
	}
	out := sel
	return &out
}

// reselectAll re-runs the auto-selection policy for both task types.
// Caller holds the lock.
func (s *Store) reselectAll(ctx context.Context) error {
	for _, task := range []provider.TaskType{provider.TaskLLM, provider.TaskSTT} {
		if err := s.autoSelect(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// autoSelect applies the selection policy for one task type: the hosted
// virtual key always wins; otherwise the current selection is kept when
// its provider still has a credential; otherwise the first credentialed
// provider in registry order (remote before local) is picked; with none
// left the selection becomes absent. Caller holds the lock.
func (s *Store) autoSelect(ctx context.Context, task provider.TaskType) error {
	if _, ok := s.creds[provider.HostedID]; ok {
		hosted, _ := provider.Lookup(provider.HostedID)
		if models := hosted.Models[task]; len(models) > 0 {
			return s.setSelection(Selection{TaskType: task, Provider: hosted.ID, ModelID: models[0]})
		}
	}

	if sel, ok := s.selections[task]; ok {
		if _, valid := s.creds[sel.Provider]; valid && sel.Provider != provider.HostedID {
			return nil
		}
	}

	for _, d := range provider.ForTask(task) {
		if _, ok := s.creds[d.ID]; !ok {
			continue
		}
		modelID := s.defaultModel(ctx, d, task)
		if modelID == "" {
			continue
		}
		s.logger.Info("state.auto_selected", "Selection recomputed", map[string]interface{}{
			"user":     s.userID,
			"task":     string(task),
			"provider": d.ID,
			"model":    modelID,
		})
		return s.setSelection(Selection{TaskType: task, Provider: d.ID, ModelID: modelID})
	}

	return s.clearSelection(task)
}

func (s *Store) defaultModel(ctx context.Context, d provider.Descriptor, task provider.TaskType) string {
	if d.Kind == provider.KindLocal {
		models := s.listLocalModels(ctx, d.ID)
		if len(models) == 0 {
			return ""
		}
		return models[0]
	}
	if models := d.Models[task]; len(models) > 0 {
		return models[0]
	}
	return ""
}

func (s *Store) listLocalModels(ctx context.Context, providerID string) []string {
	if s.localModels == nil {
		return nil
	}
	models, err := s.localModels(ctx, providerID)
	if err != nil {
		s.logger.Warn("state.local_models_unavailable", "Installed model listing failed", map[string]interface{}{
			"provider": providerID,
			"error":    err.Error(),
		})
		return nil
	}
	return models
}

// setSelection stores a selection in memory and flushes it. Caller
// holds the lock.
func (s *Store) setSelection(sel Selection) error {
	if cur, ok := s.selections[sel.TaskType]; ok && cur == sel {
		return nil
	}
	s.selections[sel.TaskType] = sel
	return s.flushSelection(sel)
}

func (s *Store) clearSelection(task provider.TaskType) error {
	if _, ok := s.selections[task]; !ok {
		return nil
	}
	delete(s.selections, task)
	return s.deleteSelection(task)
}

// --- database flush, with snapshot fallback ---

func (s *Store) loadFromDB() error {
	rows, err := s.db.Query("SELECT provider, api_key_enc, updated_at FROM credentials WHERE user_id = ?", s.userID)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var providerID, updatedAt string
		var blob []byte
		if err := rows.Scan(&providerID, &blob, &updatedAt); err != nil {
			return err
		}
		s.creds[providerID] = blob
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			s.credUpdated[providerID] = t
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	selRows, err := s.db.Query("SELECT task_type, provider, model_id FROM selections WHERE user_id = ?", s.userID)
	if err != nil {
		return fmt.Errorf("loading selections: %w", err)
	}
	defer selRows.Close()
	for selRows.Next() {
		var sel Selection
		if err := selRows.Scan(&sel.TaskType, &sel.Provider, &sel.ModelID); err != nil {
			return err
		}
		s.selections[sel.TaskType] = sel
	}
	return selRows.Err()
}

func (s *Store) flushCredential(providerID string) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (user_id, provider, api_key_enc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET api_key_enc = excluded.api_key_enc, updated_at = excluded.updated_at`,
		s.userID, providerID, s.creds[providerID], s.credUpdated[providerID].Format(time.RFC3339),
	)
	return s.orFallback(err)
}

func (s *Store) deleteCredential(providerID string) error {
	_, err := s.db.Exec("DELETE FROM credentials WHERE user_id = ? AND provider = ?", s.userID, providerID)
	return s.orFallback(err)
}

func (s *Store) flushSelection(sel Selection) error {
	_, err := s.db.Exec(`
		INSERT INTO selections (user_id, task_type, provider, model_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, task_type) DO UPDATE SET provider = excluded.provider, model_id = excluded.model_id`,
		s.userID, string(sel.TaskType), sel.Provider, sel.ModelID,
	)
	return s.orFallback(err)
}

func (s *Store) deleteSelection(task provider.TaskType) error {
	_, err := s.db.Exec("DELETE FROM selections WHERE user_id = ? AND task_type = ?", s.userID, string(task))
	return s.orFallback(err)
}

// orFallback handles a failed database write by snapshotting the whole
// in-memory state to the fallback file. The mutation survives either
// way; only a double failure propagates.
func (s *Store) orFallback(dbErr error) error {
	if dbErr == nil {
		return nil
	}
	s.logger.Error("state.flush_failed", "Database write failed, falling back to snapshot file", map[string]interface{}{
		"user":  s.userID,
		"error": dbErr.Error(),
	})
	if fbErr := s.writeFallback(); fbErr != nil {
		return fmt.Errorf("persisting state: %w (fallback also failed: %v)", dbErr, fbErr)
	}
	return nil
}

func (s *Store) fallbackPath() string {
	return filepath.Join(s.dataDir, "state_fallback.json")
}
