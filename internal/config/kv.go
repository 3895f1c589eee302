package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type db interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes per-town and per-rig dynamic configuration
// (env vars, git auth, model defaults) out of the town's kv table.
type Store struct {
	db db
}

// NewStore creates a Store over db.
func NewStore(database db) *Store {
	return &Store{db: database}
}

func townKey(townID string) string { return "town:config/" + townID }

// rigKey is the legacy per-rig namespace, kept alongside the canonical
// per-town key per spec.md §9 ("treat per-town as canonical; per-rig
// variant is legacy").
func rigKey(rigID string) string { return "rig:config/" + rigID }

// GetTownEnv returns the stored env-var map for townID, empty if unset.
func (s *Store) GetTownEnv(ctx context.Context, townID string) (map[string]string, error) {
	return s.getEnv(ctx, townKey(townID))
}

// SetTownEnv replaces townID's stored env wholesale with incoming,
// honoring "****"-masked values by preserving the existing entry under
// that key rather than overwriting it with the mask.
func (s *Store) SetTownEnv(ctx context.Context, townID string, incoming map[string]string) error {
	existing, err := s.GetTownEnv(ctx, townID)
	if err != nil {
		return err
	}
	return s.putEnv(ctx, townKey(townID), MergeEnv(existing, incoming))
}

// GetRigEnv returns the legacy per-rig env-var map for rigID.
func (s *Store) GetRigEnv(ctx context.Context, rigID string) (map[string]string, error) {
	return s.getEnv(ctx, rigKey(rigID))
}

// SetRigEnv writes the legacy per-rig env-var map for rigID.
func (s *Store) SetRigEnv(ctx context.Context, rigID string, incoming map[string]string) error {
	existing, err := s.GetRigEnv(ctx, rigID)
	if err != nil {
		return err
	}
	return s.putEnv(ctx, rigKey(rigID), MergeEnv(existing, incoming))
}

func (s *Store) getEnv(ctx context.Context, key string) (map[string]string, error) {
	var raw sql.NullString
	err := s.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", key, err)
	}
	env := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &env); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", key, err)
		}
	}
	return env, nil
}

func (s *Store) putEnv(ctx context.Context, key string, env map[string]string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding config %s: %w", key, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(data))
	if err != nil {
		return fmt.Errorf("writing config %s: %w", key, err)
	}
	return nil
}
