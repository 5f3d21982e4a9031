package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskrank/internal/domain"
	"taskrank/internal/events"
	"taskrank/internal/logging"
	"taskrank/internal/repo"
)

// Store persists named configuration values as versioned JSON records.
type Store struct {
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	// OnChange runs after a setting has been written.
	OnChange func(ctx context.Context, key string)

	locks sync.Map // key -> *sync.Mutex
}

func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{
		Repo:   repo.Repo{DB: db, Now: time.Now},
		Events: events.Writer{Now: time.Now},
		Log:    logging.OrNop(log),
	}
}

func (s *Store) lock(key string) func() {
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetSetting returns the stored record. A missing key yields an error matching repo.ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	st, err := s.Repo.GetSetting(ctx, key)
	if err != nil {
		return st, fmt.Errorf("setting %s: %w", key, err)
	}
	return st, nil
}

// Decode unmarshals the value stored under key into dst and reports whether the key existed.
func (s *Store) Decode(ctx context.Context, key string, dst any) (bool, error) {
	st, err := s.Repo.GetSetting(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	if err := json.Unmarshal(st.Value, dst); err != nil {
		return true, fmt.Errorf("setting %s: %w", key, err)
	}
	return true, nil
}

// UpdateSetting overwrites the value under key, creating it on first use.
// value may be raw JSON or anything encoding/json can marshal.
func (s *Store) UpdateSetting(ctx context.Context, key string, value any) (domain.Setting, error) {
	if key == "" {
		return domain.Setting{}, errors.New("setting key is required")
	}
	raw, err := encode(value)
	if err != nil {
		return domain.Setting{}, fmt.Errorf("setting %s: %w", key, err)
	}
	unlock := s.lock(key)
	st, err := s.write(ctx, key, raw)
	unlock()
	if err != nil {
		return st, fmt.Errorf("write setting %s: %w", key, err)
	}
	logging.OrNop(s.Log).Info("setting updated", zap.String("key", key), zap.Int("version", st.Version))
	if s.OnChange != nil {
		s.OnChange(ctx, key)
	}
	return st, nil
}

func (s *Store) write(ctx context.Context, key string, raw json.RawMessage) (domain.Setting, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Setting{}, err
	}
	defer tx.Rollback()
	st, err := s.Repo.UpsertSettingTx(ctx, tx, key, raw)
	if err != nil {
		return st, err
	}
	if err := s.Events.Append(ctx, tx, events.NewOpID(), "setting.updated", "setting", st.ID, events.EventPayload{
		"key":     key,
		"version": st.Version,
	}); err != nil {
		return st, err
	}
	return st, tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]domain.Setting, error) {
	return s.Repo.ListSettings(ctx)
}

// SeedIfEmpty writes defaults only when no setting exists yet.
func (s *Store) SeedIfEmpty(ctx context.Context, defaults map[string]any) (bool, error) {
	n, err := s.Repo.CountSettings(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	for key, value := range defaults {
		raw, err := encode(value)
		if err != nil {
			return false, fmt.Errorf("seed %s: %w", key, err)
		}
		if _, err := s.Repo.UpsertSetting(ctx, key, raw); err != nil {
			return false, fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return true, nil
}

func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("value is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("value is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(value)
	}
}
