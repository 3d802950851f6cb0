// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// RespondError maps the ledger error taxonomy to HTTP responses using RFC7807.
// Financial-mutating errors always abort the enclosing transaction before they
// reach this point, so responses never describe partial writes.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrReopenReasonRequired):
		Problem(w, http.StatusBadRequest, "Reopen Reason Required", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrPeriodClosed):
		Problem(w, http.StatusConflict, "Period Closed", err.Error())
	case errors.Is(err, shared.ErrOverAllocation):
		Problem(w, http.StatusConflict, "Over Allocation", err.Error())
	case errors.Is(err, shared.ErrAlreadyMatched):
		Problem(w, http.StatusConflict, "Already Matched", err.Error())
	case errors.Is(err, shared.ErrReconciliationNotBalanced):
		Problem(w, http.StatusConflict, "Reconciliation Not Balanced", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrLockHeld):
		Problem(w, http.StatusConflict, "Operation In Progress", err.Error())
	case errors.Is(err, shared.ErrImbalancedEntry):
		Problem(w, http.StatusUnprocessableEntity, "Imbalanced Entry", err.Error())
	case errors.Is(err, shared.ErrAccountMappingMissing):
		Problem(w, http.StatusUnprocessableEntity, "Account Mapping Missing", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
