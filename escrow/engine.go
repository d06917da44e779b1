package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payday/gig"
	"payday/ledger"
	"payday/models"
	"payday/observability"
	"payday/provider"
)

// defaultFeeBps yields the 12% platform fee collected into every hold.
const defaultFeeBps = 1200

// Engine funds, releases, and refunds held payments. Every money movement
// runs inside a database transaction with the affected wallet and escrow
// rows locked, so concurrent calls against the same entities serialize
// instead of interleaving.
type Engine struct {
	db              *gorm.DB
	ledger          *ledger.Store
	gigs            *gig.Registry
	providers       *provider.Registry
	providerName    string
	platformAccount uuid.UUID
	feeBps          int64
	verifyTimeout   time.Duration
	now             func() time.Time
	logger          *slog.Logger
	metrics         *observability.EscrowMetrics
	ledgerMetrics   *observability.LedgerMetrics
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB              *gorm.DB
	Ledger          *ledger.Store
	Gigs            *gig.Registry
	Providers       *provider.Registry
	ProviderName    string
	PlatformAccount uuid.UUID
	FeeBps          int64
	VerifyTimeout   time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// NewEngine constructs an escrow engine.
func NewEngine(cfg Config) *Engine {
	feeBps := cfg.FeeBps
	if feeBps <= 0 {
		feeBps = defaultFeeBps
	}
	verifyTimeout := cfg.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:              cfg.DB,
		ledger:          cfg.Ledger,
		gigs:            cfg.Gigs,
		providers:       cfg.Providers,
		providerName:    cfg.ProviderName,
		platformAccount: cfg.PlatformAccount,
		feeBps:          feeBps,
		verifyTimeout:   verifyTimeout,
		now:             now,
		logger:          logger,
		metrics:         observability.Escrow(),
		ledgerMetrics:   observability.Ledger(),
	}
}

// Fee computes the platform fee for an amount, rounding down.
func (e *Engine) Fee(amount int64) int64 {
	return amount * e.feeBps / 10_000
}

// Fund places a hold for the gig: the poster's wallet is debited by
// amount plus the platform fee, the same figure moves into the poster's
// pending balance, and the gig advances to assigned. The effect is all or
// nothing: an insufficient balance leaves no escrow record and no ledger
// entry behind.
func (e *Engine) Fund(ctx context.Context, gigID, payerID uuid.UUID, amount int64, payeeID *uuid.UUID) (*models.EscrowTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	fee := e.Fee(amount)
	totalHold := amount + fee

	var esc models.EscrowTransaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := e.gigs.Lock(tx, gigID)
		if err != nil {
			return err
		}
		if g.PosterID != payerID {
			return fmt.Errorf("%w: user %s is not the poster", ErrNotParty, payerID)
		}
		if g.Status != models.GigAssignedPendingFunding {
			return fmt.Errorf("%w: gig is %s", gig.ErrTransitionDenied, g.Status)
		}

		var existing models.EscrowTransaction
		switch err := tx.First(&existing, "gig_id = ?", gigID).Error; {
		case err == nil:
			return fmt.Errorf("%w: escrow %s", ErrAlreadyFunded, existing.ID)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		seeker := payeeID
		if seeker == nil {
			seeker = g.SeekerID
		}

		now := e.now()
		esc = models.EscrowTransaction{
			ID:          uuid.New(),
			GigID:       gigID,
			PosterID:    payerID,
			SeekerID:    seeker,
			Amount:      amount,
			PlatformFee: fee,
			Status:      models.EscrowPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&esc).Error; err != nil {
			return err
		}

		wallet, err := e.ledger.GetOrCreate(tx, payerID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, -totalHold, totalHold)
		if err != nil {
			return err
		}

		record := models.Transaction{
			UserID:        payerID,
			WalletID:      wallet.ID,
			EscrowID:      &esc.ID,
			Type:          models.TxEscrowHold,
			Amount:        -totalHold,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   fmt.Sprintf("escrow hold for gig %s", gigID),
			Status:        models.TxCompleted,
		}
		if err := e.ledger.AppendTransaction(tx, &record); err != nil {
			return err
		}
		e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))

		escrowedAt := e.now()
		esc.Status = models.EscrowEscrowed
		esc.EscrowedAt = &escrowedAt
		esc.UpdatedAt = escrowedAt
		if err := tx.Save(&esc).Error; err != nil {
			return err
		}

		_, err = e.gigs.SetStatus(tx, gigID, models.GigAssigned, gig.CallerEscrow)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			e.metrics.ObserveFund("insufficient_funds")
		default:
			e.metrics.ObserveFund("error")
		}
		return nil, err
	}
	e.metrics.ObserveFund("ok")
	e.metrics.AddHeld(totalHold)
	e.logger.Info("escrow funded",
		slog.String("gig_id", gigID.String()),
		slog.String("escrow_id", esc.ID.String()),
		slog.Int64("amount", amount),
		slog.Int64("platform_fee", fee),
	)
	return &esc, nil
}

// Release settles the hold in favour of the seeker: the seeker's wallet is
// credited with the gig amount, the platform wallet collects the fee, and
// the poster's pending balance drops by the full hold. Releasing an
// already-released escrow is a successful no-op.
func (e *Engine) Release(ctx context.Context, gigID uuid.UUID) error {
	var (
		held int64
		noop bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		esc, err := e.lockEscrow(tx, gigID)
		if err != nil {
			return err
		}
		if esc.Status == models.EscrowReleased {
			noop = true
			return nil
		}
		if esc.Status != models.EscrowEscrowed {
			return fmt.Errorf("%w: cannot release in status %s", ErrInvalidState, esc.Status)
		}
		if esc.SeekerID == nil {
			return ErrPayeeNotAssigned
		}
		payee := *esc.SeekerID
		totalHold := esc.TotalHold()

		wallets, err := e.lockParties(tx, esc.PosterID, payee)
		if err != nil {
			return err
		}

		payeeWallet := wallets[payee]
		before := payeeWallet.Balance
		payeeWallet, err = e.ledger.AdjustBalance(tx, payeeWallet.ID, esc.Amount, 0)
		if err != nil {
			return err
		}
		if err := e.ledger.RecordTotals(tx, payeeWallet.ID, esc.Amount, 0); err != nil {
			return err
		}
		record := models.Transaction{
			UserID:        payee,
			WalletID:      payeeWallet.ID,
			EscrowID:      &esc.ID,
			Type:          models.TxEscrowRelease,
			Amount:        esc.Amount,
			BalanceBefore: before,
			BalanceAfter:  payeeWallet.Balance,
			Description:   fmt.Sprintf("escrow release for gig %s", gigID),
			Status:        models.TxCompleted,
		}
		if err := e.ledger.AppendTransaction(tx, &record); err != nil {
			return err
		}
		e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))

		payerWallet := wallets[esc.PosterID]
		if _, err := e.ledger.AdjustBalance(tx, payerWallet.ID, 0, -totalHold); err != nil {
			return err
		}
		if err := e.ledger.RecordTotals(tx, payerWallet.ID, 0, totalHold); err != nil {
			return err
		}

		if err := e.collectFee(tx, esc); err != nil {
			return err
		}

		now := e.now()
		esc.Status = models.EscrowReleased
		esc.ReleasedAt = &now
		esc.UpdatedAt = now
		if err := tx.Save(esc).Error; err != nil {
			return err
		}
		held = totalHold
		return nil
	})
	if err != nil {
		e.metrics.ObserveRelease("error")
		return err
	}
	if noop {
		e.metrics.ObserveRelease("noop")
		return nil
	}
	e.metrics.ObserveRelease("ok")
	e.metrics.AddHeld(-held)
	e.logger.Info("escrow released", slog.String("gig_id", gigID.String()))
	return nil
}

// Refund returns the full hold, fee included, to the poster. Only the
// poster may refund, only an escrowed record may be refunded, and a
// second refund attempt fails.
func (e *Engine) Refund(ctx context.Context, gigID, actorID uuid.UUID, reason string) error {
	var held int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		esc, err := e.lockEscrow(tx, gigID)
		if err != nil {
			return err
		}
		if esc.PosterID != actorID {
			return fmt.Errorf("%w: user %s is not the poster of gig %s", ErrNotParty, actorID, gigID)
		}
		if esc.Status != models.EscrowEscrowed {
			return fmt.Errorf("%w: cannot refund in status %s", ErrInvalidState, esc.Status)
		}
		totalHold := esc.TotalHold()

		wallet, err := e.ledger.LockWallet(tx, esc.PosterID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, totalHold, -totalHold)
		if err != nil {
			return err
		}

		description := "escrow refund"
		if reason != "" {
			description = fmt.Sprintf("escrow refund: %s", reason)
		}
		record := models.Transaction{
			UserID:        esc.PosterID,
			WalletID:      wallet.ID,
			EscrowID:      &esc.ID,
			Type:          models.TxRefund,
			Amount:        totalHold,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   description,
			Status:        models.TxCompleted,
		}
		if err := e.ledger.AppendTransaction(tx, &record); err != nil {
			return err
		}
		e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))

		now := e.now()
		esc.Status = models.EscrowRefunded
		esc.RefundedAt = &now
		esc.UpdatedAt = now
		if err := tx.Save(esc).Error; err != nil {
			return err
		}
		held = totalHold
		return nil
	})
	if err != nil {
		e.metrics.ObserveRefund("error")
		return err
	}
	e.metrics.ObserveRefund("ok")
	e.metrics.AddHeld(-held)
	e.logger.Info("escrow refunded", slog.String("gig_id", gigID.String()), slog.String("reason", reason))
	return nil
}

// Status returns the escrow record for a gig.
func (e *Engine) Status(ctx context.Context, gigID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	if err := e.db.WithContext(ctx).First(&esc, "gig_id = ?", gigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &esc, nil
}

// RecordFailedRelease appends a zero-amount failed ledger entry so a
// release that failed after mutual confirmation stays visible to operators.
// The completed gig status and the confirmation record are left untouched.
func (e *Engine) RecordFailedRelease(ctx context.Context, gigID uuid.UUID, cause error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		esc, err := e.lockEscrow(tx, gigID)
		if err != nil {
			return err
		}
		wallet, err := e.ledger.GetOrCreate(tx, esc.PosterID)
		if err != nil {
			return err
		}
		record := models.Transaction{
			UserID:        esc.PosterID,
			WalletID:      wallet.ID,
			EscrowID:      &esc.ID,
			Type:          models.TxEscrowRelease,
			Amount:        0,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance,
			Description:   fmt.Sprintf("release failed for gig %s: %v", gigID, cause),
			Status:        models.TxFailed,
		}
		if err := e.ledger.AppendTransaction(tx, &record); err != nil {
			return err
		}
		e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))
		e.metrics.ReleaseFailed()
		return nil
	})
}

func (e *Engine) lockEscrow(tx *gorm.DB, gigID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&esc, "gig_id = ?", gigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &esc, nil
}

// lockParties acquires the wallet rows for every party in deterministic ID
// order so concurrent releases against overlapping wallets cannot deadlock.
func (e *Engine) lockParties(tx *gorm.DB, users ...uuid.UUID) (map[uuid.UUID]*models.Wallet, error) {
	ids := make([]uuid.UUID, 0, len(users)+1)
	seen := make(map[uuid.UUID]struct{}, len(users)+1)
	for _, id := range users {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if e.platformAccount != uuid.Nil {
		if _, dup := seen[e.platformAccount]; !dup {
			ids = append(ids, e.platformAccount)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	wallets := make(map[uuid.UUID]*models.Wallet, len(ids))
	for _, id := range ids {
		wallet, err := e.ledger.GetOrCreate(tx, id)
		if err != nil {
			return nil, err
		}
		wallet, err = e.ledger.LockWallet(tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = wallet
	}
	return wallets, nil
}

// collectFee credits the platform revenue wallet with the retained fee. With
// no platform account configured the fee simply stays out of circulation.
func (e *Engine) collectFee(tx *gorm.DB, esc *models.EscrowTransaction) error {
	if e.platformAccount == uuid.Nil || esc.PlatformFee <= 0 {
		return nil
	}
	wallet, err := e.ledger.GetOrCreate(tx, e.platformAccount)
	if err != nil {
		return err
	}
	before := wallet.Balance
	wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, esc.PlatformFee, 0)
	if err != nil {
		return err
	}
	record := models.Transaction{
		UserID:        e.platformAccount,
		WalletID:      wallet.ID,
		EscrowID:      &esc.ID,
		Type:          models.TxFee,
		Amount:        esc.PlatformFee,
		BalanceBefore: before,
		BalanceAfter:  wallet.Balance,
		Description:   fmt.Sprintf("platform fee for gig %s", esc.GigID),
		Status:        models.TxCompleted,
	}
	if err := e.ledger.AppendTransaction(tx, &record); err != nil {
		return err
	}
	e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))
	return nil
}
