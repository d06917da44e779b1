package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownProvider indicates no provider is registered under the name.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrProviderFailure wraps transport-level or ambiguous provider errors.
	ErrProviderFailure = errors.New("provider: call failed")
)

// Bank describes an entry from the provider's bank list.
type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Slug string `json:"slug,omitempty"`
}

// AccountDetail is a resolved bank account.
type AccountDetail struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankCode      string `json:"bank_code"`
}

// PaymentInit is returned when a payment is initialized with the provider.
type PaymentInit struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code,omitempty"`
	Reference        string `json:"reference"`
}

// PaymentVerification is the provider's view of a payment. Amount is in kobo.
type PaymentVerification struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	PaidAt    time.Time `json:"paid_at,omitempty"`
}

// Succeeded reports whether the provider settled the payment.
func (v PaymentVerification) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(v.Status), "success")
}

// TransferRecipient identifies a payout destination registered with the
// provider.
type TransferRecipient struct {
	Code string `json:"recipient_code"`
}

// TransferResult is the provider's view of an outbound transfer.
type TransferResult struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code,omitempty"`
	Status       string `json:"status"`
}

// TransferRequest describes an outbound payout. Amount is in kobo.
type TransferRequest struct {
	RecipientCode string
	Amount        int64
	Reference     string
	Reason        string
}

// Provider is the abstract payment capability the escrow manager depends
// on. Concrete providers are interchangeable by name through the Registry;
// no provider-specific behaviour leaks past this interface.
type Provider interface {
	Name() string
	ValidateBankAccount(ctx context.Context, accountNumber, bankCode string) (bool, error)
	ResolveAccountNumber(ctx context.Context, accountNumber, bankCode string) (*AccountDetail, error)
	InitializePayment(ctx context.Context, email string, amount int64, reference string) (*PaymentInit, error)
	VerifyPayment(ctx context.Context, reference string) (*PaymentVerification, error)
	CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*TransferRecipient, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error)
	GetBankList(ctx context.Context) ([]Bank, error)
}

// Registry is a name-keyed lookup table of payment providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its canonical lowercase name. Registering
// the same name twice replaces the previous entry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider: nil provider")
	}
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return fmt.Errorf("provider: provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
