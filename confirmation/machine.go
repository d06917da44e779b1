package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payday/gig"
	"payday/models"
)

var (
	// ErrNotInitiated indicates the gig has no confirmation record yet.
	ErrNotInitiated = errors.New("confirmation: not initiated")
	// ErrNotParty is returned when the acting user is neither the poster
	// nor the assigned seeker.
	ErrNotParty = errors.New("confirmation: user is not a party to the gig")
	// ErrAlreadyProcessed indicates the acting party already confirmed.
	ErrAlreadyProcessed = errors.New("confirmation: already confirmed by this party")
	// ErrNotReady is returned when the gig is not in a state that accepts
	// completion activity.
	ErrNotReady = errors.New("confirmation: gig not ready for completion")
)

// Releaser settles the held payment once both parties have confirmed. The
// escrow engine satisfies this; tests substitute a stub to count calls.
type Releaser interface {
	Release(ctx context.Context, gigID uuid.UUID) error
	RecordFailedRelease(ctx context.Context, gigID uuid.UUID, cause error) error
}

// Role names which side of the gig is acting.
type Role string

const (
	RoleSeeker Role = "seeker"
	RolePoster Role = "poster"
)

// Machine drives the two-party completion handshake for a gig. The record
// and gig status advance inside one database transaction; the payment
// release runs after commit so a provider outage can never wedge a
// confirmed gig back into an unconfirmed state.
type Machine struct {
	db       *gorm.DB
	gigs     *gig.Registry
	releaser Releaser
	now      func() time.Time
	logger   *slog.Logger
}

// NewMachine constructs a completion confirmation machine.
func NewMachine(db *gorm.DB, gigs *gig.Registry, releaser Releaser, now func() time.Time, logger *slog.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{db: db, gigs: gigs, releaser: releaser, now: now, logger: logger}
}

// Result reports the state after a confirmation step.
type Result struct {
	Record            *models.CompletionConfirmation `json:"record"`
	MutuallyConfirmed bool                           `json:"mutually_confirmed"`
	Released          bool                           `json:"released"`
}

// Initiate opens the completion handshake for an assigned gig. Repeated
// calls by either party return the existing record unchanged.
func (m *Machine) Initiate(ctx context.Context, gigID, userID uuid.UUID) (*models.CompletionConfirmation, error) {
	var record models.CompletionConfirmation
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := m.gigs.Lock(tx, gigID)
		if err != nil {
			return err
		}
		if _, err := roleOf(g, userID); err != nil {
			return err
		}

		switch err := tx.First(&record, "gig_id = ?", gigID).Error; {
		case err == nil:
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		switch g.Status {
		case models.GigAssigned:
		case models.GigPendingCompletion, models.GigAwaitingMutualConfirmation:
			// Status already advanced but the record is missing; recreate it.
		default:
			return fmt.Errorf("%w: gig is %s", ErrNotReady, g.Status)
		}

		now := m.now()
		record = models.CompletionConfirmation{
			ID:        uuid.New(),
			GigID:     gigID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		_, err = m.gigs.SetStatus(tx, gigID, models.GigPendingCompletion, gig.CallerConfirmation)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("completion initiated",
		slog.String("gig_id", gigID.String()),
		slog.String("user_id", userID.String()),
	)
	return &record, nil
}

// Confirm records one party's confirmation. When the second party confirms,
// the gig completes and the escrow release runs exactly once, after the
// transaction commits. A release failure is logged and recorded as a failed
// ledger entry while the completed gig status stands.
func (m *Machine) Confirm(ctx context.Context, gigID, userID uuid.UUID) (*Result, error) {
	var (
		record models.CompletionConfirmation
		role   Role
		mutual bool
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := m.gigs.Lock(tx, gigID)
		if err != nil {
			return err
		}
		role, err = roleOf(g, userID)
		if err != nil {
			return err
		}
		switch g.Status {
		case models.GigPendingCompletion, models.GigAwaitingMutualConfirmation:
		default:
			return fmt.Errorf("%w: gig is %s", ErrNotReady, g.Status)
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "gig_id = ?", gigID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotInitiated
			}
			return err
		}

		now := m.now()
		switch role {
		case RoleSeeker:
			if record.ConfirmedBySeeker {
				return ErrAlreadyProcessed
			}
			record.ConfirmedBySeeker = true
			record.SeekerConfirmedAt = &now
		case RolePoster:
			if record.ConfirmedByPoster {
				return ErrAlreadyProcessed
			}
			record.ConfirmedByPoster = true
			record.PosterConfirmedAt = &now
		}
		record.UpdatedAt = now
		if err := tx.Save(&record).Error; err != nil {
			return err
		}

		mutual = record.MutuallyConfirmed()
		next := models.GigAwaitingMutualConfirmation
		if mutual {
			next = models.GigCompleted
		}
		_, err = m.gigs.SetStatus(tx, gigID, next, gig.CallerConfirmation)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Record: &record, MutuallyConfirmed: mutual}
	m.logger.Info("completion confirmed",
		slog.String("gig_id", gigID.String()),
		slog.String("role", string(role)),
		slog.Bool("mutual", mutual),
	)
	if !mutual {
		return result, nil
	}

	if err := m.releaser.Release(ctx, gigID); err != nil {
		m.logger.Error("escrow release failed after mutual confirmation",
			slog.String("gig_id", gigID.String()),
			slog.String("error", err.Error()),
		)
		if recordErr := m.releaser.RecordFailedRelease(ctx, gigID, err); recordErr != nil {
			m.logger.Error("recording failed release",
				slog.String("gig_id", gigID.String()),
				slog.String("error", recordErr.Error()),
			)
		}
		return result, nil
	}
	result.Released = true
	return result, nil
}

// State describes what completion actions are currently available.
type State struct {
	Record            *models.CompletionConfirmation `json:"record,omitempty"`
	MutuallyConfirmed bool                           `json:"mutually_confirmed"`
	CanInitiate       bool                           `json:"can_initiate"`
	CanConfirm        bool                           `json:"can_confirm"`
	CanSubmitReviews  bool                           `json:"can_submit_reviews"`
}

// Query reports the confirmation state of a gig for the acting user.
func (m *Machine) Query(ctx context.Context, gigID, userID uuid.UUID) (*State, error) {
	g, err := m.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, err
	}
	role, err := roleOf(g, userID)
	if err != nil {
		return nil, err
	}

	state := &State{}
	var record models.CompletionConfirmation
	switch err := m.db.WithContext(ctx).First(&record, "gig_id = ?", gigID).Error; {
	case err == nil:
		state.Record = &record
		state.MutuallyConfirmed = record.MutuallyConfirmed()
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	switch g.Status {
	case models.GigAssigned:
		state.CanInitiate = state.Record == nil
	case models.GigPendingCompletion, models.GigAwaitingMutualConfirmation:
		if state.Record != nil {
			switch role {
			case RoleSeeker:
				state.CanConfirm = !state.Record.ConfirmedBySeeker
			case RolePoster:
				state.CanConfirm = !state.Record.ConfirmedByPoster
			}
		}
	case models.GigCompleted:
		state.CanSubmitReviews = state.MutuallyConfirmed
	}
	return state, nil
}

func roleOf(g *models.Gig, userID uuid.UUID) (Role, error) {
	switch {
	case g.PosterID == userID:
		return RolePoster, nil
	case g.SeekerID != nil && *g.SeekerID == userID:
		return RoleSeeker, nil
	default:
		return "", fmt.Errorf("%w: user %s", ErrNotParty, userID)
	}
}
