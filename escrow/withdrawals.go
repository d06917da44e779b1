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

	"payday/models"
	"payday/observability/logging"
	"payday/provider"
)

// WithdrawalRequest names the payout destination and amount.
type WithdrawalRequest struct {
	UserID        uuid.UUID
	Amount        int64
	AccountNumber string
	BankCode      string
	AccountName   string
	Reason        string
}

// WithdrawalReceipt reports the outcome of a payout request.
type WithdrawalReceipt struct {
	Reference     string                   `json:"reference"`
	Amount        int64                    `json:"amount"`
	Status        string                   `json:"status"`
	TransactionID uuid.UUID                `json:"transaction_id"`
	Transfer      *provider.TransferResult `json:"transfer,omitempty"`
}

// Withdraw pays wallet funds out to a bank account. The debit and its
// ledger entry commit before the transfer is initiated; if the provider
// then rejects the transfer a compensating refund entry restores the
// balance, keeping the ledger append only throughout.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawalRequest) (*WithdrawalReceipt, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if strings.TrimSpace(req.AccountNumber) == "" || strings.TrimSpace(req.BankCode) == "" {
		return nil, fmt.Errorf("%w: account number and bank code are required", ErrValidation)
	}
	prov, err := e.paymentProvider()
	if err != nil {
		return nil, err
	}

	accountName := strings.TrimSpace(req.AccountName)
	{
		callCtx, cancel := e.withTimeout(ctx)
		defer cancel()
		start := time.Now()
		detail, err := prov.ResolveAccountNumber(callCtx, req.AccountNumber, req.BankCode)
		observeProvider(prov.Name(), "resolve_account", start, err)
		if err != nil {
			return nil, err
		}
		if accountName == "" {
			accountName = detail.AccountName
		}
	}

	reference := "wd_" + uuid.NewString()
	var debit models.Transaction
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := e.ledger.GetOrCreate(tx, req.UserID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, -req.Amount, 0)
		if err != nil {
			return err
		}
		debit = models.Transaction{
			UserID:        req.UserID,
			WalletID:      wallet.ID,
			Type:          models.TxWithdrawal,
			Amount:        -req.Amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   fmt.Sprintf("withdrawal to %s/%s", req.BankCode, logging.MaskAccountNumber(req.AccountNumber)),
			Reference:     reference,
			Status:        models.TxCompleted,
		}
		return e.ledger.AppendTransaction(tx, &debit)
	})
	if err != nil {
		return nil, err
	}
	e.ledgerMetrics.ObserveTransaction(string(debit.Type), string(debit.Status))

	transfer, err := e.executeTransfer(ctx, prov, accountName, reference, req)
	if err != nil {
		if compErr := e.compensateWithdrawal(ctx, req.UserID, req.Amount, reference, err); compErr != nil {
			e.logger.Error("withdrawal compensation failed",
				slog.String("reference", reference),
				slog.String("error", compErr.Error()),
			)
			return nil, fmt.Errorf("transfer failed and compensation failed: %v (transfer: %w)", compErr, err)
		}
		e.logger.Warn("withdrawal reversed",
			slog.String("user_id", req.UserID.String()),
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	e.logger.Info("withdrawal initiated",
		slog.String("user_id", req.UserID.String()),
		slog.String("reference", reference),
		slog.Int64("amount", req.Amount),
	)
	return &WithdrawalReceipt{
		Reference:     reference,
		Amount:        req.Amount,
		Status:        transfer.Status,
		TransactionID: debit.ID,
		Transfer:      transfer,
	}, nil
}

// VerifyWithdrawal fetches the provider-side state of an outbound transfer.
func (e *Engine) VerifyWithdrawal(ctx context.Context, reference string) (*provider.TransferResult, error) {
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
	result, err := prov.VerifyTransfer(callCtx, reference)
	observeProvider(prov.Name(), "verify_transfer", start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) executeTransfer(ctx context.Context, prov provider.Provider, accountName, reference string, req WithdrawalRequest) (*provider.TransferResult, error) {
	recipientCtx, cancelRecipient := e.withTimeout(ctx)
	defer cancelRecipient()
	start := time.Now()
	recipient, err := prov.CreateTransferRecipient(recipientCtx, accountName, req.AccountNumber, req.BankCode)
	observeProvider(prov.Name(), "create_transfer_recipient", start, err)
	if err != nil {
		return nil, err
	}

	transferCtx, cancelTransfer := e.withTimeout(ctx)
	defer cancelTransfer()
	start = time.Now()
	transfer, err := prov.InitiateTransfer(transferCtx, provider.TransferRequest{
		Amount:        req.Amount,
		RecipientCode: recipient.Code,
		Reference:     reference,
		Reason:        req.Reason,
	})
	observeProvider(prov.Name(), "initiate_transfer", start, err)
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// ReverseWithdrawal restores the debited amount after the provider reports
// an asynchronous transfer failure. Safe to call repeatedly for the same
// reference; only the first call writes the compensating entry.
func (e *Engine) ReverseWithdrawal(ctx context.Context, reference string) (*models.Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrValidation)
	}
	debit, err := e.ledger.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if debit == nil || debit.Type != models.TxWithdrawal {
		return nil, fmt.Errorf("%w: no withdrawal with reference %s", ErrValidation, reference)
	}

	reversalRef := "rev_" + reference
	var record models.Transaction
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Transaction
		switch err := tx.First(&existing, "reference = ?", reversalRef).Error; {
		case err == nil:
			return fmt.Errorf("%w: withdrawal %s already reversed", ErrAlreadyProcessed, reference)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		amount := -debit.Amount
		wallet, err := e.ledger.GetOrCreate(tx, debit.UserID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, amount, 0)
		if err != nil {
			return err
		}
		record = models.Transaction{
			UserID:        debit.UserID,
			WalletID:      wallet.ID,
			Type:          models.TxRefund,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   fmt.Sprintf("withdrawal %s failed at provider", reference),
			Reference:     reversalRef,
			Status:        models.TxCompleted,
		}
		return e.ledger.AppendTransaction(tx, &record)
	})
	if err != nil {
		return nil, err
	}
	e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))
	e.logger.Warn("withdrawal reversed via provider notification",
		slog.String("reference", reference),
		slog.Int64("amount", record.Amount),
	)
	return &record, nil
}

// compensateWithdrawal restores the debited amount with a refund entry. The
// original withdrawal row is never touched.
func (e *Engine) compensateWithdrawal(ctx context.Context, userID uuid.UUID, amount int64, reference string, cause error) error {
	var record models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := e.ledger.GetOrCreate(tx, userID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet, err = e.ledger.AdjustBalance(tx, wallet.ID, amount, 0)
		if err != nil {
			return err
		}
		record = models.Transaction{
			UserID:        userID,
			WalletID:      wallet.ID,
			Type:          models.TxRefund,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   fmt.Sprintf("withdrawal %s reversed: %v", reference, cause),
			Status:        models.TxCompleted,
		}
		return e.ledger.AppendTransaction(tx, &record)
	})
	if err != nil {
		return err
	}
	e.ledgerMetrics.ObserveTransaction(string(record.Type), string(record.Status))
	return nil
}
