package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/executor"
	"github.com/zulandar/signalbox/internal/index"
	"github.com/zulandar/signalbox/internal/models"
)

// ErrSessionNotFound is returned by Get when no live actor and no index row
// exist for the id.
var ErrSessionNotFound = errors.New("actor: session not found")

// SideEffects receives fire-and-forget hooks for artifact creation and
// session completion. Implementations must swallow their own failures; the
// actor never waits on them.
type SideEffects interface {
	ArtifactCreated(session models.Session, art event.Artifact)
	SessionFinished(session models.Session, status string)
}

// Registry maps session ids to live actors. The same id always resolves to
// the same instance while it is live; evicted actors are rehydrated from the
// index store on next access.
type Registry struct {
	store       *index.Store
	factory     executor.Factory
	secret      string
	tokenWindow time.Duration
	limits      config.LimitsConfig
	presence    config.PresenceConfig
	logWindow   int
	effects     SideEffects

	mu     sync.Mutex
	actors map[string]*Actor
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store   *index.Store
	Factory executor.Factory
	Config  *config.Config
	Effects SideEffects // optional
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("actor: registry: store is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("actor: registry: executor factory is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("actor: registry: config is required")
	}
	return &Registry{
		store:       opts.Store,
		factory:     opts.Factory,
		secret:      opts.Config.Auth.Secret,
		tokenWindow: opts.Config.Auth.TokenWindow,
		limits:      opts.Config.Limits,
		presence:    opts.Config.Presence,
		logWindow:   opts.Config.Log.WindowSize,
		effects:     opts.Effects,
		actors:      make(map[string]*Actor),
	}, nil
}

// Store exposes the index store for front-door listing.
func (r *Registry) Store() *index.Store { return r.store }

// Get resolves a session id to its actor, rehydrating from the index store
// when the actor was evicted or never loaded.
func (r *Registry) Get(id string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[id]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Load outside the lock; the store is independently synchronized.
	row, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[id]; ok {
		// Raced another rehydration; keep the winner.
		return a, nil
	}
	a := newActor(r, *row)
	r.actors[id] = a
	return a, nil
}

// CreateOpts holds parameters for creating a new root session.
type CreateOpts struct {
	Title           string
	RepoOwner       string
	RepoName        string
	Model           string
	ReasoningEffort string
	BaseBranch      string
}

// Create allocates a session id, writes the created index row and
// initializes the actor and its executor. An executor init failure marks the
// row failed and surfaces the error.
func (r *Registry) Create(ctx context.Context, opts CreateOpts) (*Actor, error) {
	if opts.RepoOwner == "" || opts.RepoName == "" {
		return nil, fmt.Errorf("actor: create: repo owner and name are required")
	}

	id, err := r.store.AllocateID()
	if err != nil {
		return nil, err
	}
	row := models.Session{
		ID:              id,
		Title:           opts.Title,
		RepoOwner:       opts.RepoOwner,
		RepoName:        opts.RepoName,
		Model:           opts.Model,
		ReasoningEffort: opts.ReasoningEffort,
		BaseBranch:      opts.BaseBranch,
		Status:          models.StatusCreated,
		SandboxStatus:   models.SandboxNone,
	}
	if err := r.store.Create(&row); err != nil {
		return nil, err
	}

	a, err := r.adopt(ctx, row)
	if err != nil {
		if _, uerr := r.store.UpdateStatus(id, models.StatusFailed); uerr != nil {
			log.Printf("actor: mark %s failed after init error: %v", id, uerr)
		}
		return nil, err
	}
	log.Printf("actor: session %s created [repo=%s/%s]", id, opts.RepoOwner, opts.RepoName)
	return a, nil
}

// adopt registers an actor for a freshly created row and initializes its
// executor.
func (r *Registry) adopt(ctx context.Context, row models.Session) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[row.ID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	a := newActor(r, row)
	r.actors[row.ID] = a
	r.mu.Unlock()

	if err := a.exe.Init(ctx, sessionConfig(row)); err != nil {
		r.drop(row.ID)
		return nil, fmt.Errorf("actor: init executor for %s: %w", row.ID, err)
	}
	return a, nil
}

// drop removes an actor from the live map.
func (r *Registry) drop(id string) {
	r.mu.Lock()
	delete(r.actors, id)
	r.mu.Unlock()
}

// Sweep evicts actors idle past maxIdle. Their durable state lives in the
// index store; the next Get rehydrates them. Returns the eviction count.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	candidates := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		candidates = append(candidates, a)
	}
	r.mu.Unlock()

	evicted := 0
	for _, a := range candidates {
		if !a.idle(cutoff) {
			continue
		}
		r.drop(a.ID())
		evicted++
	}
	if evicted > 0 {
		log.Printf("actor: swept %d idle sessions", evicted)
	}
	return evicted
}

// ReapPresence ages out silent participants on every live actor.
func (r *Registry) ReapPresence() {
	now := time.Now()
	r.mu.Lock()
	live := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		live = append(live, a)
	}
	r.mu.Unlock()

	for _, a := range live {
		a.reapPresence(now)
	}
}

// Live returns the number of resident actors.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
