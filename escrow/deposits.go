package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payday/models"
	"payday/observability"
	"payday/provider"
)

// DepositIntent is handed back to the client so it can drive the hosted
// checkout flow. Reference is the handle used to verify the deposit later.
type DepositIntent struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Amount           int64  `json:"amount"`
}

// InitializeDeposit starts a checkout session with the payment provider and
// records a pending transaction keyed by the reference. The pending row binds
// the reference to the initiating user; the wallet is only credited once the
// provider confirms the charge in VerifyDeposit.
func (e *Engine) InitializeDeposit(ctx context.Context, userID uuid.UUID, email string, amount int64) (*DepositIntent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	prov, err := e.paymentProvider()
	if err != nil {
		return nil, err
	}

	reference := "dep_" + uuid.NewString()
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	init, err := prov.InitializePayment(callCtx, email, amount, reference)
	observeProvider(prov.Name(), "initialize_payment", start, err)
	if err != nil {
		return nil, err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := e.ledger.GetOrCreate(tx, userID)
		if err != nil {
			return err
		}
		record := models.Transaction{
			UserID:        userID,
			WalletID:      wallet.ID,
			Type:          models.TxDeposit,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance,
			Description:   "wallet deposit",
			Reference:     reference,
			Status:        models.TxPending,
		}
		return e.ledger.AppendTransaction(tx, &record)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("deposit initialized",
		slog.String("user_id", userID.String()),
		slog.String("reference", reference),
		slog.Int64("amount", amount),
	)
	return &DepositIntent{
		Reference:        init.Reference,
		AuthorizationURL: init.AuthorizationURL,
		AccessCode:       init.AccessCode,
		Amount:           amount,
	}, nil
}

// VerifyDeposit confirms a charge with the provider and credits the wallet.
// The provider call happens before any database mutation. The pending row
// written by InitializeDeposit is locked and finalized here: a reference the
// caller never initialized fails, and a reference that was already settled
// returns ErrAlreadyProcessed and changes nothing, so retried or concurrent
// verifications cannot double-credit.
func (e *Engine) VerifyDeposit(ctx context.Context, userID uuid.UUID, reference string) (*models.Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrValidation)
	}
	prov, err := e.paymentProvider()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	verification, err := prov.VerifyPayment(callCtx, reference)
	observeProvider(prov.Name(), "verify_payment", start, err)
	if err != nil {
		return nil, err
	}
	if !verification.Succeeded() {
		return nil, fmt.Errorf("%w: charge %s is %s", ErrDepositNotSettled, reference, verification.Status)
	}

	var record models.Transaction
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&record, "reference = ? AND type = ?", reference, models.TxDeposit).Error; {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("%w: unknown deposit reference %s", ErrValidation, reference)
		case err != nil:
			return err
		}
		if record.UserID != userID {
			return fmt.Errorf("%w: deposit %s belongs to another user", ErrNotParty, reference)
		}
		if record.Status != models.TxPending {
			return fmt.Errorf("%w: deposit %s already settled", ErrAlreadyProcessed, reference)
		}

		wallet, err := e.ledger.LockWallet(tx, userID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, verification.Amount, 0)
		if err != nil {
			return err
		}

		record.Amount = verification.Amount
		record.BalanceBefore = before
		record.BalanceAfter = wallet.Balance
		record.Status = models.TxCompleted
		return tx.Save(&record).Error
	})
	if err != nil {
		return nil, err
	}
	e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))
	e.logger.Info("deposit settled",
		slog.String("user_id", userID.String()),
		slog.String("reference", reference),
		slog.Int64("amount", verification.Amount),
	)
	return &record, nil
}

// Banks lists the banks supported by the configured provider.
func (e *Engine) Banks(ctx context.Context) ([]provider.Bank, error) {
	prov, err := e.paymentProvider()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	banks, err := prov.GetBankList(callCtx)
	observeProvider(prov.Name(), "get_bank_list", start, err)
	if err != nil {
		return nil, err
	}
	return banks, nil
}

// ResolveAccount looks up the holder name behind an account number.
func (e *Engine) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*provider.AccountDetail, error) {
	if strings.TrimSpace(accountNumber) == "" || strings.TrimSpace(bankCode) == "" {
		return nil, fmt.Errorf("%w: account number and bank code are required", ErrValidation)
	}
	prov, err := e.paymentProvider()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	detail, err := prov.ResolveAccountNumber(callCtx, accountNumber, bankCode)
	observeProvider(prov.Name(), "resolve_account", start, err)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (e *Engine) paymentProvider() (provider.Provider, error) {
	return e.providers.Resolve(e.providerName)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.verifyTimeout)
}

func observeProvider(name, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.Providers().ObserveCall(name, op, outcome, time.Since(start).Seconds())
}
