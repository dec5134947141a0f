package tax

// Error codes mirror the domain package's codes to avoid a circular
// import; the handler layer maps them to HTTP statuses the same way.
const (
	codeInvalid = "invalid"
)

// TaxError is a tax-specific error with a code and user-facing message.
type TaxError struct {
	Code    string
	Message string
}

func (e *TaxError) Error() string { return e.Message }

// ErrorCode returns the error code for HTTP status mapping.
func (e *TaxError) ErrorCode() string { return e.Code }

// ErrorMessage returns the user-facing message.
func (e *TaxError) ErrorMessage() string { return e.Message }

// ErrNegativeSubtotal is returned when a negative pre-tax amount is
// passed; refunds reuse the original charge's tax, they never recompute.
var ErrNegativeSubtotal = &TaxError{Code: codeInvalid, Message: "Subtotal must not be negative"}

// ErrUnknownJurisdiction is returned for a province code outside the
// rate table.
func ErrUnknownJurisdiction(code string) *TaxError {
	return &TaxError{Code: codeInvalid, Message: "Tax calculation not supported for jurisdiction " + code}
}
