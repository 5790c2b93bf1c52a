// Package state persists the small amount of process state that
// survives restarts: the last consumed bearer token and the last known
// status of each sync scope. Records themselves are never stored.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.dash-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	scopesBucket = []byte("scopes")
	tokenKey     = []byte("token")
)

// ScopeMeta is the last recorded status of one sync scope.
type ScopeMeta struct {
	Role            string    `json:"role"`
	ScopeID         string    `json:"scope_id"`
	State           string    `json:"state"`
	NeedsReauth     bool      `json:"needs_reauth"`
	LastError       string    `json:"last_error,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func scopeKey(role, scopeID string) []byte {
	return []byte(role + ":" + scopeID)
}

// State wraps a bbolt database for persistent application state.
type State struct {
	db *bolt.DB
}

// DefaultPath returns ~/.dash-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".dash-sync", "state.db"), nil
}

// LoadAt opens the state database at path, creating it and its parent
// directory if needed.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(scopesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached bearer token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the bearer token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// SetScopeMeta records the status of a scope, stamping UpdatedAt.
func (s *State) SetScopeMeta(m ScopeMeta) error {
	if m.Role == "" || m.ScopeID == "" {
		return fmt.Errorf("scope meta needs role and scope id")
	}

	m.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling scope meta: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scopesBucket).Put(scopeKey(m.Role, m.ScopeID), data)
	})
}

// ScopeMeta returns the recorded status of a scope, or nil.
func (s *State) ScopeMeta(role, scopeID string) (*ScopeMeta, error) {
	var m *ScopeMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(scopesBucket).Get(scopeKey(role, scopeID))
		if v == nil {
			return nil
		}

		m = &ScopeMeta{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// AllScopeMeta returns every recorded scope status.
func (s *State) AllScopeMeta() ([]ScopeMeta, error) {
	var out []ScopeMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scopesBucket).ForEach(func(_, v []byte) error {
			var m ScopeMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})

	return out, err
}
