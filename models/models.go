package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GigStatus represents a state in the gig lifecycle.
type GigStatus string

// All gig lifecycle states.
const (
	GigOpen                       GigStatus = "open"
	GigHasApplications            GigStatus = "has_applications"
	GigAssignedPendingFunding     GigStatus = "assigned_pending_funding"
	GigAssigned                   GigStatus = "assigned"
	GigPendingCompletion          GigStatus = "pending_completion"
	GigAwaitingMutualConfirmation GigStatus = "awaiting_mutual_confirmation"
	GigCompleted                  GigStatus = "completed"
	GigCancelled                  GigStatus = "cancelled"
)

// EscrowStatus tracks a held payment across its lifecycle. Transitions are
// monotonic; released and refunded are terminal.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowEscrowed EscrowStatus = "escrowed"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxDeposit       TransactionType = "deposit"
	TxWithdrawal    TransactionType = "withdrawal"
	TxEscrowHold    TransactionType = "escrow_hold"
	TxEscrowRelease TransactionType = "escrow_release"
	TxRefund        TransactionType = "refund"
	TxFee           TransactionType = "fee"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Wallet holds a user's funds in integer kobo. Balance is immediately
// spendable; PendingBalance is committed to escrow. Both must stay
// non-negative at all times.
type Wallet struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"user_id"`
	Balance        int64     `gorm:"not null;default:0" json:"balance"`
	PendingBalance int64     `gorm:"not null;default:0" json:"pending_balance"`
	TotalEarnings  int64     `gorm:"not null;default:0" json:"total_earnings"`
	TotalSpent     int64     `gorm:"not null;default:0" json:"total_spent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is an immutable, append-only ledger entry. Rows are never
// updated after creation; the log is the reconciliation source of truth.
type Transaction struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID         `gorm:"type:uuid;index" json:"user_id"`
	WalletID      uuid.UUID         `gorm:"type:uuid;index" json:"wallet_id"`
	EscrowID      *uuid.UUID        `gorm:"type:uuid;index" json:"escrow_id,omitempty"`
	Type          TransactionType   `gorm:"size:32;index" json:"type"`
	Amount        int64             `gorm:"not null" json:"amount"`
	BalanceBefore int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	Description   string            `gorm:"size:255" json:"description"`
	Reference     string            `gorm:"size:128;index" json:"reference,omitempty"`
	Status        TransactionStatus `gorm:"size:16;index" json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// EscrowTransaction records one held payment per funded gig.
type EscrowTransaction struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	GigID             uuid.UUID    `gorm:"type:uuid;uniqueIndex" json:"gig_id"`
	PosterID          uuid.UUID    `gorm:"type:uuid;index" json:"poster_id"`
	SeekerID          *uuid.UUID   `gorm:"type:uuid;index" json:"seeker_id,omitempty"`
	Amount            int64        `gorm:"not null" json:"amount"`
	PlatformFee       int64        `gorm:"not null" json:"platform_fee"`
	Status            EscrowStatus `gorm:"size:16;index" json:"status"`
	PaymentReference  string       `gorm:"size:128" json:"payment_reference,omitempty"`
	TransferReference string       `gorm:"size:128" json:"transfer_reference,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	EscrowedAt        *time.Time   `json:"escrowed_at,omitempty"`
	ReleasedAt        *time.Time   `json:"released_at,omitempty"`
	RefundedAt        *time.Time   `json:"refunded_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TotalHold is the amount debited from the poster at funding time.
func (e *EscrowTransaction) TotalHold() int64 {
	if e == nil {
		return 0
	}
	return e.Amount + e.PlatformFee
}

// CompletionConfirmation tracks the two-sided completion attestation for a
// gig. Each flag flips false to true at most once; timestamps record when.
type CompletionConfirmation struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	GigID             uuid.UUID  `gorm:"type:uuid;uniqueIndex" json:"gig_id"`
	ConfirmedBySeeker bool       `gorm:"not null;default:false" json:"confirmed_by_seeker"`
	SeekerConfirmedAt *time.Time `json:"seeker_confirmed_at,omitempty"`
	ConfirmedByPoster bool       `gorm:"not null;default:false" json:"confirmed_by_poster"`
	PosterConfirmedAt *time.Time `json:"poster_confirmed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// MutuallyConfirmed reports whether both parties have attested completion.
func (c *CompletionConfirmation) MutuallyConfirmed() bool {
	return c != nil && c.ConfirmedBySeeker && c.ConfirmedByPoster
}

// Gig carries the slice of gig state this service owns: parties and the
// lifecycle status. Listing metadata lives with the marketplace application.
type Gig struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	PosterID  uuid.UUID  `gorm:"type:uuid;index" json:"poster_id"`
	SeekerID  *uuid.UUID `gorm:"type:uuid;index" json:"seeker_id,omitempty"`
	Title     string     `gorm:"size:255" json:"title"`
	Budget    int64      `gorm:"not null;default:0" json:"budget"`
	Status    GigStatus  `gorm:"size:40;index" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IdempotencyKey stores one user's response for a given idempotency key.
// The key is scoped to the user, so two users may reuse the same key value
// without seeing each other's responses.
type IdempotencyKey struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key       string    `gorm:"primaryKey;size:128"`
	RequestID string    `gorm:"size:64"`
	Method    string    `gorm:"size:8"`
	Path      string    `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Wallet{},
		&Transaction{},
		&EscrowTransaction{},
		&CompletionConfirmation{},
		&Gig{},
		&IdempotencyKey{},
	)
}
