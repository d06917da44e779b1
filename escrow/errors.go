package escrow

import "errors"

var (
	// ErrEscrowNotFound indicates no escrow record exists for the gig.
	ErrEscrowNotFound = errors.New("escrow: not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// escrow's current status, e.g. releasing a refunded record.
	ErrInvalidState = errors.New("escrow: invalid state transition")
	// ErrPayeeNotAssigned indicates a release was requested before a seeker
	// was attached to the escrow.
	ErrPayeeNotAssigned = errors.New("escrow: payee not assigned")
	// ErrAlreadyFunded indicates the gig already carries an escrow hold.
	ErrAlreadyFunded = errors.New("escrow: gig already funded")
	// ErrNotParty is returned when the acting user is not a party to the gig.
	ErrNotParty = errors.New("escrow: actor is not a party to the gig")
	// ErrValidation wraps malformed input failures.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrAlreadyProcessed marks idempotent replays, e.g. verifying a deposit
	// reference that has already credited a wallet.
	ErrAlreadyProcessed = errors.New("escrow: already processed")
	// ErrDepositNotSettled indicates the provider has not settled the
	// payment yet, so no wallet credit may happen.
	ErrDepositNotSettled = errors.New("escrow: deposit not settled by provider")
)
