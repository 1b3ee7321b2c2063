package index

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/models"
)

// NewSessionID creates a unique session ID in ses-xxxxxxxx format (8-char hex).
func NewSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("index: generate session ID: %w", err)
	}
	return "ses-" + hex.EncodeToString(b), nil
}

// AllocateID generates a session ID and retries once on collision.
func (s *Store) AllocateID() (string, error) {
	for range 2 {
		id, err := NewSessionID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := s.db.Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("index: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("index: failed to generate unique session ID after retries")
}

// DB exposes the underlying connection for migration and tests.
func (s *Store) DB() *gorm.DB { return s.db }
