package gig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payday/models"
)

var (
	// ErrGigNotFound indicates the supplied gig identifier was unknown.
	ErrGigNotFound = errors.New("gig: not found")
	// ErrTransitionDenied is returned when a transition exists but the
	// calling component is not its permitted owner.
	ErrTransitionDenied = errors.New("gig: transition not permitted for caller")
)

// Caller identifies the component requesting a status transition. The
// escrow- and completion-related transitions are reserved for their owning
// engines; everything else belongs to the surrounding marketplace logic.
type Caller string

const (
	CallerApplication  Caller = "application"
	CallerEscrow       Caller = "escrow"
	CallerConfirmation Caller = "confirmation"
)

var allowedTransitions = map[models.GigStatus][]models.GigStatus{
	models.GigOpen:                       {models.GigHasApplications, models.GigCancelled},
	models.GigHasApplications:            {models.GigAssignedPendingFunding, models.GigCancelled},
	models.GigAssignedPendingFunding:     {models.GigAssigned, models.GigCancelled},
	models.GigAssigned:                   {models.GigPendingCompletion, models.GigCancelled},
	models.GigPendingCompletion:          {models.GigAwaitingMutualConfirmation, models.GigCompleted},
	models.GigAwaitingMutualConfirmation: {models.GigPendingCompletion, models.GigCompleted},
}

// transitionOwners reserves specific transitions for a single component. A
// transition absent from this table may be driven by the application caller.
var transitionOwners = map[models.GigStatus]map[models.GigStatus]Caller{
	models.GigAssignedPendingFunding: {
		models.GigAssigned: CallerEscrow,
	},
	models.GigAssigned: {
		models.GigPendingCompletion: CallerConfirmation,
	},
	models.GigPendingCompletion: {
		models.GigAwaitingMutualConfirmation: CallerConfirmation,
		models.GigCompleted:                  CallerConfirmation,
	},
	models.GigAwaitingMutualConfirmation: {
		models.GigPendingCompletion: CallerConfirmation,
		models.GigCompleted:         CallerConfirmation,
	},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.GigStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("gig: no transitions allowed from %s", current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("gig: transition from %s to %s is not permitted", current, next)
}

// Registry owns the gig status state machine. All status writes flow through
// SetStatus so the legal-transition table and caller scoping are enforced in
// one place.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRegistry constructs a registry backed by the provided database.
func NewRegistry(db *gorm.DB, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{db: db, now: now}
}

// Get loads a gig by ID.
func (r *Registry) Get(ctx context.Context, gigID uuid.UUID) (*models.Gig, error) {
	var g models.Gig
	if err := r.db.WithContext(ctx).First(&g, "id = ?", gigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGigNotFound
		}
		return nil, err
	}
	return &g, nil
}

// Lock loads a gig under a row lock for the duration of the supplied
// transaction.
func (r *Registry) Lock(tx *gorm.DB, gigID uuid.UUID) (*models.Gig, error) {
	var g models.Gig
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", gigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGigNotFound
		}
		return nil, err
	}
	return &g, nil
}

// SetStatus transitions a gig to the next status on behalf of caller. The
// write runs on the supplied handle, which may be an open transaction, and
// locks the gig row for the duration.
func (r *Registry) SetStatus(tx *gorm.DB, gigID uuid.UUID, next models.GigStatus, caller Caller) (*models.Gig, error) {
	var g models.Gig
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", gigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGigNotFound
		}
		return nil, err
	}
	if g.Status == next {
		return &g, nil
	}
	if err := ValidateTransition(g.Status, next); err != nil {
		return nil, err
	}
	if owner, reserved := transitionOwners[g.Status][next]; reserved && owner != caller {
		return nil, fmt.Errorf("%w: %s to %s requires %s", ErrTransitionDenied, g.Status, next, owner)
	}
	g.Status = next
	g.UpdatedAt = r.now()
	if err := tx.Save(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// DB exposes the backing handle for components that compose their own
// transactions around registry calls.
func (r *Registry) DB() *gorm.DB { return r.db }
