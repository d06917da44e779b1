package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"payday/models"
	"payday/provider"
)

// fakeProvider is an in-memory Provider for exercising the money paths
// without network calls.
type fakeProvider struct {
	verifyStatus   string
	verifyAmount   int64
	failTransfer   bool
	transferStatus string
	initCalls      int
	transferCalls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ValidateBankAccount(ctx context.Context, accountNumber, bankCode string) (bool, error) {
	return true, nil
}

func (f *fakeProvider) ResolveAccountNumber(ctx context.Context, accountNumber, bankCode string) (*provider.AccountDetail, error) {
	return &provider.AccountDetail{AccountNumber: accountNumber, AccountName: "ADA OBI", BankCode: bankCode}, nil
}

func (f *fakeProvider) InitializePayment(ctx context.Context, email string, amount int64, reference string) (*provider.PaymentInit, error) {
	f.initCalls++
	return &provider.PaymentInit{Reference: reference, AuthorizationURL: "https://checkout.example/" + reference, AccessCode: "ac_1"}, nil
}

func (f *fakeProvider) VerifyPayment(ctx context.Context, reference string) (*provider.PaymentVerification, error) {
	status := f.verifyStatus
	if status == "" {
		status = "success"
	}
	return &provider.PaymentVerification{Reference: reference, Amount: f.verifyAmount, Currency: "NGN", Status: status}, nil
}

func (f *fakeProvider) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*provider.TransferRecipient, error) {
	return &provider.TransferRecipient{Code: "rcp_1"}, nil
}

func (f *fakeProvider) InitiateTransfer(ctx context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	f.transferCalls++
	if f.failTransfer {
		return nil, provider.ErrProviderFailure
	}
	status := f.transferStatus
	if status == "" {
		status = "pending"
	}
	return &provider.TransferResult{Reference: req.Reference, Status: status}, nil
}

func (f *fakeProvider) VerifyTransfer(ctx context.Context, reference string) (*provider.TransferResult, error) {
	return &provider.TransferResult{Reference: reference, Status: "success"}, nil
}

func (f *fakeProvider) GetBankList(ctx context.Context) ([]provider.Bank, error) {
	return []provider.Bank{{Name: "Test Bank", Code: "001"}}, nil
}

func setupEngineWithProvider(t *testing.T, fake *fakeProvider) *testRig {
	t.Helper()
	rig := setupEngine(t)
	providers := provider.NewRegistry()
	providers.Register(fake)
	rig.engine = NewEngine(Config{
		DB:              rig.db,
		Ledger:          rig.store,
		Gigs:            rig.gigs,
		Providers:       providers,
		ProviderName:    "fake",
		PlatformAccount: rig.platform,
	})
	return rig
}

func TestInitializeDepositRecordsPendingRow(t *testing.T) {
	fake := &fakeProvider{verifyAmount: 20_000}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()

	intent, err := rig.engine.InitializeDeposit(context.Background(), userID, "ada@example.com", 20_000)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if intent.Reference == "" || intent.AuthorizationURL == "" {
		t.Fatal("incomplete deposit intent")
	}

	var rec models.Transaction
	if err := rig.db.First(&rec, "reference = ?", intent.Reference).Error; err != nil {
		t.Fatalf("load pending deposit: %v", err)
	}
	if rec.UserID != userID || rec.Type != models.TxDeposit || rec.Status != models.TxPending {
		t.Fatalf("unexpected pending row: %+v", rec)
	}
	if rec.BalanceBefore != rec.BalanceAfter {
		t.Fatalf("pending row moved the balance: %d -> %d", rec.BalanceBefore, rec.BalanceAfter)
	}
	if wallet := rig.balance(t, userID); wallet.Balance != 0 {
		t.Fatalf("balance = %d before settlement, want 0", wallet.Balance)
	}
}

func TestVerifyDepositCreditsOnce(t *testing.T) {
	fake := &fakeProvider{verifyAmount: 20_000}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()

	intent, err := rig.engine.InitializeDeposit(context.Background(), userID, "ada@example.com", 20_000)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	rec, err := rig.engine.VerifyDeposit(context.Background(), userID, intent.Reference)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Amount != 20_000 || rec.Type != models.TxDeposit {
		t.Fatalf("unexpected record: %+v", rec)
	}

	wallet := rig.balance(t, userID)
	if wallet.Balance != 20_000 {
		t.Fatalf("balance = %d, want 20000", wallet.Balance)
	}

	if _, err := rig.engine.VerifyDeposit(context.Background(), userID, intent.Reference); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second verify err = %v, want ErrAlreadyProcessed", err)
	}
	wallet = rig.balance(t, userID)
	if wallet.Balance != 20_000 {
		t.Fatalf("balance = %d after repeat verify, want 20000", wallet.Balance)
	}
}

func TestVerifyDepositRejectsUnsettledCharge(t *testing.T) {
	fake := &fakeProvider{verifyAmount: 20_000, verifyStatus: "abandoned"}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()

	_, err := rig.engine.VerifyDeposit(context.Background(), userID, "dep_pending")
	if !errors.Is(err, ErrDepositNotSettled) {
		t.Fatalf("err = %v, want ErrDepositNotSettled", err)
	}
	var count int64
	if err := rig.db.Model(&models.Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("ledger entries = %d, want 0", count)
	}
}

func TestVerifyDepositRejectsForeignReference(t *testing.T) {
	fake := &fakeProvider{verifyAmount: 20_000}
	rig := setupEngineWithProvider(t, fake)
	owner, intruder := uuid.New(), uuid.New()

	intent, err := rig.engine.InitializeDeposit(context.Background(), owner, "ada@example.com", 20_000)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := rig.engine.VerifyDeposit(context.Background(), intruder, intent.Reference); !errors.Is(err, ErrNotParty) {
		t.Fatalf("foreign verify err = %v, want ErrNotParty", err)
	}

	var rec models.Transaction
	if err := rig.db.First(&rec, "reference = ?", intent.Reference).Error; err != nil {
		t.Fatalf("load deposit: %v", err)
	}
	if rec.Status != models.TxPending {
		t.Fatalf("status = %s after foreign verify, want still pending", rec.Status)
	}
	if wallet := rig.balance(t, owner); wallet.Balance != 0 {
		t.Fatalf("owner balance = %d, want 0", wallet.Balance)
	}

	rec2, err := rig.engine.VerifyDeposit(context.Background(), owner, intent.Reference)
	if err != nil {
		t.Fatalf("owner verify: %v", err)
	}
	if rec2.Amount != 20_000 {
		t.Fatalf("settled amount = %d, want 20000", rec2.Amount)
	}
}

func TestVerifyDepositRejectsUnknownReference(t *testing.T) {
	fake := &fakeProvider{verifyAmount: 20_000}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()

	if _, err := rig.engine.VerifyDeposit(context.Background(), userID, "dep_never_initialized"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestWithdrawDebitsAndTransfers(t *testing.T) {
	fake := &fakeProvider{}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()
	rig.fundWallet(t, userID, 30_000)

	receipt, err := rig.engine.Withdraw(context.Background(), WithdrawalRequest{
		UserID:        userID,
		Amount:        10_000,
		AccountNumber: "0123456789",
		BankCode:      "058",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Amount != 10_000 || receipt.Reference == "" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if fake.transferCalls != 1 {
		t.Fatalf("transfer calls = %d, want 1", fake.transferCalls)
	}

	wallet := rig.balance(t, userID)
	if wallet.Balance != 20_000 {
		t.Fatalf("balance = %d, want 20000", wallet.Balance)
	}
}

func TestWithdrawCompensatesOnTransferFailure(t *testing.T) {
	fake := &fakeProvider{failTransfer: true}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()
	rig.fundWallet(t, userID, 30_000)

	_, err := rig.engine.Withdraw(context.Background(), WithdrawalRequest{
		UserID:        userID,
		Amount:        10_000,
		AccountNumber: "0123456789",
		BankCode:      "058",
	})
	if err == nil {
		t.Fatal("withdraw succeeded with failing transfer")
	}

	wallet := rig.balance(t, userID)
	if wallet.Balance != 30_000 {
		t.Fatalf("balance = %d after compensation, want 30000", wallet.Balance)
	}

	var withdrawals, refunds int64
	rig.db.Model(&models.Transaction{}).Where("type = ?", models.TxWithdrawal).Count(&withdrawals)
	rig.db.Model(&models.Transaction{}).Where("type = ?", models.TxRefund).Count(&refunds)
	if withdrawals != 1 || refunds != 1 {
		t.Fatalf("ledger rows: withdrawals=%d refunds=%d, want 1 each", withdrawals, refunds)
	}
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	fake := &fakeProvider{}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()
	rig.fundWallet(t, userID, 5_000)

	_, err := rig.engine.Withdraw(context.Background(), WithdrawalRequest{
		UserID:        userID,
		Amount:        10_000,
		AccountNumber: "0123456789",
		BankCode:      "058",
	})
	if err == nil {
		t.Fatal("overdraft withdrawal accepted")
	}
	if fake.transferCalls != 0 {
		t.Fatalf("transfer attempted despite overdraft")
	}
}

func TestReverseWithdrawalIsIdempotent(t *testing.T) {
	fake := &fakeProvider{}
	rig := setupEngineWithProvider(t, fake)
	userID := uuid.New()
	rig.fundWallet(t, userID, 30_000)

	receipt, err := rig.engine.Withdraw(context.Background(), WithdrawalRequest{
		UserID:        userID,
		Amount:        10_000,
		AccountNumber: "0123456789",
		BankCode:      "058",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if _, err := rig.engine.ReverseWithdrawal(context.Background(), receipt.Reference); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	wallet := rig.balance(t, userID)
	if wallet.Balance != 30_000 {
		t.Fatalf("balance = %d after reversal, want 30000", wallet.Balance)
	}

	if _, err := rig.engine.ReverseWithdrawal(context.Background(), receipt.Reference); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second reverse err = %v, want ErrAlreadyProcessed", err)
	}
}

var _ provider.Provider = (*fakeProvider)(nil)
