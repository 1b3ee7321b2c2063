// Package models defines the GORM models persisted by Signalbox.
package models

import "time"

// Session status values. Transitions are monotone except the explicit
// archived/active toggle; failed is terminal for a sandbox attempt but does
// not delete the row.
const (
	StatusCreated   = "created"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
	StatusFailed    = "failed"
)

// Sandbox status values, reported by the executor and relayed by the actor.
const (
	SandboxNone     = "none"
	SandboxWarming  = "warming"
	SandboxSpawning = "spawning"
	SandboxReady    = "ready"
	SandboxFailed   = "failed"
)

// Session is the index row for one coding session. The live actor owns the
// canonical state; this row is a denormalized projection used for listing and
// for rehydrating evicted actors. ParentID and SpawnDepth record the
// child-session edge so spawn limits survive actor restarts.
type Session struct {
	ID              string  `gorm:"primaryKey;size:32"`
	Title           string  `gorm:"size:256"`
	RepoOwner       string  `gorm:"size:64;not null;index:idx_repo"`
	RepoName        string  `gorm:"size:128;not null;index:idx_repo"`
	Model           string  `gorm:"size:64"`
	ReasoningEffort string  `gorm:"size:16"`
	BaseBranch      string  `gorm:"size:128"`
	Status          string  `gorm:"size:16;default:created;index"`
	SandboxStatus   string  `gorm:"size:16;default:none"`
	ParentID        *string `gorm:"size:32;index"`
	SpawnDepth      int     `gorm:"default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Parent   *Session  `gorm:"foreignKey:ParentID"`
	Children []Session `gorm:"foreignKey:ParentID"`
}

// ValidStatus reports whether s is a known session status.
func ValidStatus(s string) bool {
	switch s {
	case StatusCreated, StatusActive, StatusCompleted, StatusArchived, StatusFailed:
		return true
	}
	return false
}

// ValidSandboxStatus reports whether s is a known sandbox status.
func ValidSandboxStatus(s string) bool {
	switch s {
	case SandboxNone, SandboxWarming, SandboxSpawning, SandboxReady, SandboxFailed:
		return true
	}
	return false
}
