package ledger

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
	// ErrWalletNotFound indicates the wallet does not exist.
	ErrWalletNotFound = errors.New("ledger: wallet not found")
	// ErrInsufficientFunds is returned when a mutation would drive the
	// available or pending balance below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// Store owns wallets and the append-only transaction log. No other component
// mutates balances; collaborators compose Store methods inside their own
// database transactions by passing the open handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a ledger store backed by the provided database.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// DB exposes the backing handle so callers can open transactions that span
// ledger and collaborator writes.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateWallet creates a zero-balance wallet for the user. Creation is lazy
// and idempotent: an existing wallet is returned unchanged.
func (s *Store) CreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.GetOrCreate(s.db.WithContext(ctx), userID)
}

// GetOrCreate returns the user's wallet, creating it on first use.
func (s *Store) GetOrCreate(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("ledger: user id is required")
	}
	var w models.Wallet
	err := tx.First(&w, "user_id = ?", userID).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := s.now()
	w = models.Wallet{ID: uuid.New(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet loads the user's wallet snapshot.
func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	if err := s.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// LockWallet loads the user's wallet under a row lock for the duration of
// the supplied transaction.
func (s *Store) LockWallet(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// AdjustBalance applies the balance and pending deltas to a wallet under a
// row lock, rejecting any mutation that would drive either figure below
// zero. On success it returns the new wallet snapshot.
func (s *Store) AdjustBalance(tx *gorm.DB, walletID uuid.UUID, balanceDelta, pendingDelta int64) (*models.Wallet, error) {
	var w models.Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "id = ?", walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	newBalance := w.Balance + balanceDelta
	newPending := w.PendingBalance + pendingDelta
	if newBalance < 0 || newPending < 0 {
		return nil, fmt.Errorf("%w: balance %d%+d pending %d%+d", ErrInsufficientFunds, w.Balance, balanceDelta, w.PendingBalance, pendingDelta)
	}
	w.Balance = newBalance
	w.PendingBalance = newPending
	w.UpdatedAt = s.now()
	if err := tx.Save(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// RecordTotals bumps the lifetime earnings and spend counters on a wallet.
// Counters only grow; negative deltas are rejected.
func (s *Store) RecordTotals(tx *gorm.DB, walletID uuid.UUID, earningsDelta, spentDelta int64) error {
	if earningsDelta < 0 || spentDelta < 0 {
		return fmt.Errorf("ledger: totals deltas must be non-negative")
	}
	var w models.Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "id = ?", walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		return err
	}
	w.TotalEarnings += earningsDelta
	w.TotalSpent += spentDelta
	w.UpdatedAt = s.now()
	return tx.Save(&w).Error
}

// AppendTransaction writes a ledger entry. Balance snapshots are recorded as
// observed at call time and rows are never updated afterwards.
func (s *Store) AppendTransaction(tx *gorm.DB, rec *models.Transaction) error {
	if rec == nil {
		return fmt.Errorf("ledger: nil transaction record")
	}
	if rec.UserID == uuid.Nil || rec.WalletID == uuid.Nil {
		return fmt.Errorf("ledger: transaction requires user and wallet ids")
	}
	if rec.Type == "" {
		return fmt.Errorf("ledger: transaction type is required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.TxCompleted
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return tx.Create(rec).Error
}

// History returns a page of the wallet's transaction log, newest first,
// along with the total number of entries.
func (s *Store) History(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var records []models.Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// SumCompleted totals the completed transaction amounts for a wallet. The
// reconciliation job compares this figure against the stored balance.
func (s *Store) SumCompleted(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("wallet_id = ? AND status = ?", walletID, models.TxCompleted).
		Select("COALESCE(SUM(amount),0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// FindByReference locates a transaction by its external provider reference.
func (s *Store) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var rec models.Transaction
	err := s.db.WithContext(ctx).First(&rec, "reference = ?", reference).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
