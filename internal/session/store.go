// Package session is the shared keyed store of session records. All state
// shared between connections goes through its operations; the gateway never
// holds session rows in memory across messages.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/quicklabs/termgate/internal/credentials"
	"github.com/quicklabs/termgate/internal/crypto"
	"github.com/quicklabs/termgate/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already exists")
)

// Store persists sessions in the shared database. Grace is the window after
// creation during which "not found" or "just expired" is treated as "not yet
// visible" for connection resolution.
type Store struct {
	db    *gorm.DB
	grace time.Duration
}

func NewStore(db *gorm.DB, grace time.Duration) *Store {
	return &Store{db: db, grace: grace}
}

// Create inserts a new session with the given credential and ttl. The insert
// is atomic: a concurrent create for the same id loses with ErrDuplicate.
func (s *Store) Create(id string, cred credentials.Scoped, ttl time.Duration) (*database.Session, error) {
	secret, err := crypto.Encrypt(cred.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	token, err := crypto.Encrypt(cred.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	now := time.Now()
	row := database.Session{
		ID:              id,
		Status:          database.StatusPending,
		Region:          cred.Region,
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: secret,
		SessionToken:    token,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		LastActivityAt:  now,
	}

	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("create session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return &row, nil
}

// Get returns the session, applying passive expiry: a row whose ExpiresAt has
// passed reads as not found even if the sweeper has not removed it yet.
func (s *Store) Get(id string) (*database.Session, error) {
	row, err := s.fetch(id)
	if err != nil {
		return nil, err
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, ErrNotFound
	}
	return row, nil
}

// ResolveForConnection is Get with the grace window applied: a session whose
// record lags (created within the last grace period) still resolves. Grace
// never resurrects a destroyed session.
func (s *Store) ResolveForConnection(id string) (*database.Session, error) {
	row, err := s.fetch(id)
	if err != nil {
		return nil, err
	}
	if time.Now().After(row.ExpiresAt) && time.Since(row.CreatedAt) > s.grace {
		return nil, ErrNotFound
	}
	return row, nil
}

func (s *Store) fetch(id string) (*database.Session, error) {
	var row database.Session
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if row.Status == database.StatusDestroyed {
		return nil, ErrNotFound
	}
	return &row, nil
}

// Credential reconstructs the scoped credential stored with a session.
func (s *Store) Credential(row *database.Session) (credentials.Scoped, error) {
	secret, err := crypto.Decrypt(row.SecretAccessKey)
	if err != nil {
		return credentials.Scoped{}, fmt.Errorf("decrypt credential: %w", err)
	}
	token, err := crypto.Decrypt(row.SessionToken)
	if err != nil {
		return credentials.Scoped{}, fmt.Errorf("decrypt credential: %w", err)
	}
	return credentials.Scoped{
		Region:          row.Region,
		AccessKeyID:     row.AccessKeyID,
		SecretAccessKey: secret,
		SessionToken:    token,
		Expires:         row.ExpiresAt,
	}, nil
}

// Extend pushes ExpiresAt forward by additional. The read-modify-write runs
// in a transaction so concurrent extends compose instead of clobbering.
func (s *Store) Extend(id string, additional time.Duration) (time.Time, error) {
	var newExpiry time.Time
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row database.Session
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if row.Status == database.StatusDestroyed {
			return ErrNotFound
		}
		newExpiry = row.ExpiresAt.Add(additional)
		return tx.Model(&row).Update("expires_at", newExpiry).Error
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// Touch records activity. Missing or destroyed sessions are a no-op: the
// gateway touches on every message and a session ending mid-stream is normal.
func (s *Store) Touch(id string) {
	s.db.Model(&database.Session{}).
		Where("id = ? AND status <> ?", id, database.StatusDestroyed).
		Update("last_activity_at", time.Now())
}

// Activate marks a pending session active once a connection resolves it.
func (s *Store) Activate(id string) {
	s.db.Model(&database.Session{}).
		Where("id = ? AND status = ?", id, database.StatusPending).
		Update("status", database.StatusActive)
}

// Destroy ends a session. Idempotent: destroying a destroyed or missing
// session succeeds. Credential material is cleared with the status change.
func (s *Store) Destroy(id string) error {
	err := s.db.Model(&database.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            database.StatusDestroyed,
			"access_key_id":     "",
			"secret_access_key": "",
			"session_token":     "",
		}).Error
	if err != nil {
		return fmt.Errorf("destroy session %s: %w", id, err)
	}
	return nil
}

// ListActiveIDs returns ids of non-destroyed, non-expired sessions. For
// operational diagnostics only.
func (s *Store) ListActiveIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&database.Session{}).
		Where("status <> ? AND expires_at > ?", database.StatusDestroyed, time.Now()).
		Order("created_at").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// SweepExpired marks rows past their expiry as expired and deletes rows that
// are both beyond expiry and beyond the grace window. Returns the number of
// rows removed.
func (s *Store) SweepExpired() int {
	now := time.Now()

	s.db.Model(&database.Session{}).
		Where("status IN ? AND expires_at <= ?", []string{database.StatusPending, database.StatusActive}, now).
		Update("status", database.StatusExpired)

	res := s.db.
		Where("(status = ? OR status = ?) AND expires_at <= ? AND created_at <= ?",
			database.StatusExpired, database.StatusDestroyed, now, now.Add(-s.grace)).
		Delete(&database.Session{})
	return int(res.RowsAffected)
}
