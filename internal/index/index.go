// Package index implements the durable session index: one row per session,
// independent of actor lifetime. Actors write status transitions through it
// so session metadata survives eviction and restart; the router reads it for
// listing. It never carries live event data.
package index

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// ErrConflict is returned by Create when the session id already exists.
var ErrConflict = errors.New("index: session id already exists")

// Store wraps the index database. All writes are single-row upserts or
// updates keyed by session id; no cross-row transactions.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over an open GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List results. Zero-value fields are ignored; set fields
// apply conjunctively.
type Filter struct {
	Status    string
	RepoOwner string
	RepoName  string
	Offset    int
	Limit     int
}

// Page is one page of List results.
type Page struct {
	Sessions []models.Session
	Total    int64
	HasMore  bool
}

// defaultPageSize bounds List when no limit is given.
const defaultPageSize = 50

// Create inserts a new session row. Fails with ErrConflict when the id is
// already taken.
func (s *Store) Create(row *models.Session) error {
	if row.ID == "" {
		return fmt.Errorf("index: session id is required")
	}
	if row.Status == "" {
		row.Status = models.StatusCreated
	}
	if row.SandboxStatus == "" {
		row.SandboxStatus = models.SandboxNone
	}

	var count int64
	if err := s.db.Model(&models.Session{}).Where("id = ?", row.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("index: check id %s: %w", row.ID, err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrConflict, row.ID)
	}

	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("index: create %s: %w", row.ID, err)
	}
	return nil
}

// Get retrieves a session row by id. Returns nil, nil when absent.
func (s *Store) Get(id string) (*models.Session, error) {
	var row models.Session
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: get %s: %w", id, err)
	}
	return &row, nil
}

// List returns sessions matching the filter, newest first.
func (s *Store) List(f Filter) (*Page, error) {
	q := s.db.Model(&models.Session{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.RepoOwner != "" {
		q = q.Where("repo_owner = ?", f.RepoOwner)
	}
	if f.RepoName != "" {
		q = q.Where("repo_name = ?", f.RepoName)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("index: count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	var sessions []models.Session
	if err := q.Order("created_at DESC").Offset(f.Offset).Limit(limit).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}

	return &Page{
		Sessions: sessions,
		Total:    total,
		HasMore:  int64(f.Offset+len(sessions)) < total,
	}, nil
}

// UpdateStatus moves a session to the given status. Returns false without
// error when the row does not exist; callers treat that as soft failure.
func (s *Store) UpdateStatus(id, status string) (bool, error) {
	if !models.ValidStatus(status) {
		return false, fmt.Errorf("index: invalid status %q", status)
	}
	result := s.db.Model(&models.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("index: update status of %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateSandboxStatus records an executor-reported sandbox state. Same soft
// failure contract as UpdateStatus.
func (s *Store) UpdateSandboxStatus(id, status string) (bool, error) {
	if !models.ValidSandboxStatus(status) {
		return false, fmt.Errorf("index: invalid sandbox status %q", status)
	}
	result := s.db.Model(&models.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{"sandbox_status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("index: update sandbox status of %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Delete removes a session row. Returns false when the row does not exist.
func (s *Store) Delete(id string) (bool, error) {
	result := s.db.Where("id = ?", id).Delete(&models.Session{})
	if result.Error != nil {
		return false, fmt.Errorf("index: delete %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CountActiveChildren counts a parent's children still in created or active,
// used for fan-out enforcement.
func (s *Store) CountActiveChildren(parentID string) (int, error) {
	var count int64
	err := s.db.Model(&models.Session{}).
		Where("parent_id = ? AND status IN ?", parentID, []string{models.StatusCreated, models.StatusActive}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("index: count children of %s: %w", parentID, err)
	}
	return int(count), nil
}

// CountChildren counts all children of a parent regardless of status.
func (s *Store) CountChildren(parentID string) (int, error) {
	var count int64
	err := s.db.Model(&models.Session{}).Where("parent_id = ?", parentID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("index: count children of %s: %w", parentID, err)
	}
	return int(count), nil
}

// ExpireStale fails created rows untouched since the cutoff. Maintenance
// only; returns the number of rows moved.
func (s *Store) ExpireStale(cutoff time.Time) (int64, error) {
	result := s.db.Model(&models.Session{}).
		Where("status = ? AND updated_at < ?", models.StatusCreated, cutoff).
		Updates(map[string]interface{}{"status": models.StatusFailed, "updated_at": time.Now()})
	if result.Error != nil {
		return 0, fmt.Errorf("index: expire stale: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("index: expired %d stale created sessions", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
