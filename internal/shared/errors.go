package shared

import "errors"

// Error taxonomy for the ledger engine. Domain packages wrap these with
// context-carrying structs; handlers map them to problem responses.
var (
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown account, document, payment, session, or period.
	ErrNotFound = errors.New("not found")
	// ErrImbalancedEntry indicates journal lines whose debits and credits differ.
	ErrImbalancedEntry = errors.New("journal entry does not balance")
	// ErrPeriodClosed indicates a posting dated inside a hard closed period.
	ErrPeriodClosed = errors.New("accounting period is hard closed")
	// ErrOverAllocation indicates an allocation exceeding the remaining balance.
	ErrOverAllocation = errors.New("allocation exceeds remaining balance")
	// ErrAlreadyMatched indicates a reconciliation side claimed twice.
	ErrAlreadyMatched = errors.New("reconciliation side already matched")
	// ErrReconciliationNotBalanced blocks completion while the difference exceeds tolerance.
	ErrReconciliationNotBalanced = errors.New("reconciliation difference exceeds tolerance")
	// ErrReopenReasonRequired indicates a missing or too-short reopen reason.
	ErrReopenReasonRequired = errors.New("reopen reason required")
	// ErrAccountMappingMissing indicates no GL account configured for a posting key.
	ErrAccountMappingMissing = errors.New("account mapping missing")
	// ErrInvalidTransition indicates a state change outside the allowed machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLockHeld indicates a critical section already held by another caller.
	ErrLockHeld = errors.New("lock held by another operation")
)
