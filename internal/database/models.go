package database

import "time"

// Session statuses. A session id maps to at most one non-destroyed row.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusDestroyed = "destroyed"
)

// Session is the durable record authorizing one interactive command-execution
// channel for a bounded time. Identity fields (ID, credential material,
// CreatedAt) are written once at creation; the gateway only mutates activity
// and status fields.
type Session struct {
	ID     string `gorm:"primaryKey;size:64" json:"id"`
	Status string `gorm:"not null;default:pending;index" json:"status"`

	// Scoped credential. Secret material is fernet-encrypted at rest and
	// never serialized to JSON.
	Region          string `json:"region"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"` // encrypted
	SessionToken    string `json:"-"` // encrypted

	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
