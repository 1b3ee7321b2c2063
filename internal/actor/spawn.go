package actor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/signalbox/internal/models"
)

// ErrSpawnLimit rejects child spawns that would exceed the configured depth
// or fan-out bounds. The check happens before any index row is written.
var ErrSpawnLimit = errors.New("actor: spawn limit exceeded")

// ErrSpawnEnqueue marks the partial-failure case: the child row was written
// but its initial prompt could not be enqueued. The row has already been
// reconciled to failed by the time callers see this.
var ErrSpawnEnqueue = errors.New("failed to enqueue child session prompt")

// SpawnResult reports a successful child spawn.
type SpawnResult struct {
	ChildID string `json:"childId"`
	Status  string `json:"status"`
}

// SpawnChild creates a child session of this one: limit checks, index row,
// child actor init, then the initial prompt. The child inherits the parent's
// repo binding and model unless overridden. If the prompt cannot be enqueued
// the child row is reconciled to failed rather than left orphaned in
// created, and the original failure is returned.
func (a *Actor) SpawnChild(ctx context.Context, title, prompt, model string) (*SpawnResult, error) {
	if prompt == "" {
		return nil, fmt.Errorf("actor: spawn: prompt is required")
	}

	a.mu.Lock()
	parent := a.session
	a.mu.Unlock()

	depth := parent.SpawnDepth + 1
	if depth > a.reg.limits.MaxSpawnDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds max %d", ErrSpawnLimit, depth, a.reg.limits.MaxSpawnDepth)
	}
	active, err := a.reg.store.CountActiveChildren(a.id)
	if err != nil {
		return nil, err
	}
	if active >= a.reg.limits.MaxChildren {
		return nil, fmt.Errorf("%w: %d active children at max %d", ErrSpawnLimit, active, a.reg.limits.MaxChildren)
	}
	total, err := a.reg.store.CountChildren(a.id)
	if err != nil {
		return nil, err
	}
	if total >= a.reg.limits.MaxTotalSpawns {
		return nil, fmt.Errorf("%w: %d total children at max %d", ErrSpawnLimit, total, a.reg.limits.MaxTotalSpawns)
	}

	childID, err := a.reg.store.AllocateID()
	if err != nil {
		return nil, err
	}
	parentID := a.id
	row := models.Session{
		ID:              childID,
		Title:           title,
		RepoOwner:       parent.RepoOwner,
		RepoName:        parent.RepoName,
		Model:           firstNonEmpty(model, parent.Model),
		ReasoningEffort: parent.ReasoningEffort,
		BaseBranch:      parent.BaseBranch,
		Status:          models.StatusCreated,
		SandboxStatus:   models.SandboxNone,
		ParentID:        &parentID,
		SpawnDepth:      depth,
	}
	if err := a.reg.store.Create(&row); err != nil {
		return nil, err
	}

	child, err := a.reg.adopt(ctx, row)
	if err == nil {
		err = child.InjectPromptSync(ctx, prompt, "", "parent:"+a.id)
	}
	if err != nil {
		// Reconcile: never leave a created row with no live execution
		// behind it. The reconciliation itself is best-effort.
		if ok, uerr := a.reg.store.UpdateStatus(childID, models.StatusFailed); uerr != nil || !ok {
			log.Printf("actor: %s: mark child %s failed: ok=%v err=%v", a.id, childID, ok, uerr)
		}
		// Evict the adopted actor too, or its in-memory snapshot would keep
		// serving created while the row says failed.
		a.reg.drop(childID)
		return nil, fmt.Errorf("actor: %s: %w: %v", a.id, ErrSpawnEnqueue, err)
	}

	log.Printf("actor: %s spawned child %s [depth=%d]", a.id, childID, depth)
	return &SpawnResult{ChildID: childID, Status: models.StatusCreated}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
