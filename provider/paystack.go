package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultPaystackBaseURL = "https://api.paystack.co"

// Paystack implements the Provider capability over the Paystack HTTP API.
// Every call carries a bounded timeout through the caller's context and is
// throttled by a client-side rate limiter.
type Paystack struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// PaystackConfig represents the client configuration.
type PaystackConfig struct {
	BaseURL           string
	SecretKey         string
	Timeout           time.Duration
	RequestsPerMinute int
}

// NewPaystack constructs a Paystack-backed provider.
func NewPaystack(cfg PaystackConfig) (*Paystack, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, fmt.Errorf("paystack: secret key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultPaystackBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Paystack{
		baseURL:    base,
		secretKey:  secret,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/6+1),
	}, nil
}

// Name returns the registry key for this provider.
func (p *Paystack) Name() string { return "paystack" }

// envelope is the common Paystack response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Paystack) call(ctx context.Context, method, path string, body any, out any) error {
	if p == nil || p.httpClient == nil {
		return fmt.Errorf("paystack: client not configured")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderFailure, err)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return fmt.Errorf("%w: %s (status %d)", ErrProviderFailure, strings.TrimSpace(env.Message), resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrProviderFailure)
	}
	return json.Unmarshal(env.Data, out)
}

// ValidateBankAccount reports whether the account resolves at the bank.
func (p *Paystack) ValidateBankAccount(ctx context.Context, accountNumber, bankCode string) (bool, error) {
	detail, err := p.ResolveAccountNumber(ctx, accountNumber, bankCode)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(detail.AccountName) != "", nil
}

// ResolveAccountNumber resolves the holder name for an account number.
func (p *Paystack) ResolveAccountNumber(ctx context.Context, accountNumber, bankCode string) (*AccountDetail, error) {
	q := url.Values{}
	q.Set("account_number", strings.TrimSpace(accountNumber))
	q.Set("bank_code", strings.TrimSpace(bankCode))
	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}
	if err := p.call(ctx, http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &data); err != nil {
		return nil, err
	}
	return &AccountDetail{
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
		BankCode:      strings.TrimSpace(bankCode),
	}, nil
}

// InitializePayment starts a hosted checkout for the given amount in kobo.
func (p *Paystack) InitializePayment(ctx context.Context, email string, amount int64, reference string) (*PaymentInit, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("paystack: amount must be positive")
	}
	payload := map[string]any{
		"email":     strings.TrimSpace(email),
		"amount":    amount,
		"reference": strings.TrimSpace(reference),
		"currency":  "NGN",
	}
	var init PaymentInit
	if err := p.call(ctx, http.MethodPost, "/transaction/initialize", payload, &init); err != nil {
		return nil, err
	}
	return &init, nil
}

// VerifyPayment fetches the settlement state for a reference.
func (p *Paystack) VerifyPayment(ctx context.Context, reference string) (*PaymentVerification, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, fmt.Errorf("paystack: reference is required")
	}
	var data struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
		PaidAt    string `json:"paid_at"`
	}
	if err := p.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(ref), nil, &data); err != nil {
		return nil, err
	}
	verification := &PaymentVerification{
		Reference: data.Reference,
		Amount:    data.Amount,
		Currency:  data.Currency,
		Status:    data.Status,
	}
	if ts := strings.TrimSpace(data.PaidAt); ts != "" {
		if paidAt, err := time.Parse(time.RFC3339, ts); err == nil {
			verification.PaidAt = paidAt
		}
	}
	return verification, nil
}

// CreateTransferRecipient registers a payout destination.
func (p *Paystack) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*TransferRecipient, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           strings.TrimSpace(name),
		"account_number": strings.TrimSpace(accountNumber),
		"bank_code":      strings.TrimSpace(bankCode),
		"currency":       "NGN",
	}
	var recipient TransferRecipient
	if err := p.call(ctx, http.MethodPost, "/transferrecipient", payload, &recipient); err != nil {
		return nil, err
	}
	return &recipient, nil
}

// InitiateTransfer starts an outbound payout.
func (p *Paystack) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("paystack: amount must be positive")
	}
	payload := map[string]any{
		"source":    "balance",
		"amount":    req.Amount,
		"recipient": strings.TrimSpace(req.RecipientCode),
		"reference": strings.TrimSpace(req.Reference),
		"reason":    strings.TrimSpace(req.Reason),
	}
	var result TransferResult
	if err := p.call(ctx, http.MethodPost, "/transfer", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyTransfer fetches the state of an outbound payout.
func (p *Paystack) VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, fmt.Errorf("paystack: reference is required")
	}
	var result TransferResult
	if err := p.call(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(ref), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBankList fetches the supported banks.
func (p *Paystack) GetBankList(ctx context.Context) ([]Bank, error) {
	var banks []Bank
	if err := p.call(ctx, http.MethodGet, "/bank?currency=NGN", nil, &banks); err != nil {
		return nil, err
	}
	return banks, nil
}

var _ Provider = (*Paystack)(nil)
