package domain

import "fmt"

// EngineError is the unified error type for the settlement engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Validation errors (-32600 to -32619) ----

var (
	ErrInvalidInput       = &EngineError{Code: -32600, Message: "malformed input"}
	ErrInvalidAmount      = &EngineError{Code: -32601, Message: "amount must be a decimal-string integer in wei"}
	ErrDisputeReasonShort = &EngineError{Code: -32602, Message: "dispute reason must be at least 10 characters"}
	ErrEmptyBatch         = &EngineError{Code: -32604, Message: "no eligible agents for batch registration"}
	ErrSelfDealing        = &EngineError{Code: -32605, Message: "buyer and seller must be distinct agents"}
)

// ---- Not-found errors (-32620 to -32639) ----

var (
	ErrAgentNotFound       = &EngineError{Code: -32620, Message: "agent not found"}
	ErrTransactionNotFound = &EngineError{Code: -32621, Message: "transaction not found"}
	ErrBatchNotFound       = &EngineError{Code: -32622, Message: "no staged batch for merkle root"}
)

// ---- State-conflict errors (-32640 to -32659) ----

var (
	ErrStateConflict          = &EngineError{Code: -32640, Message: "state conflict: transaction is not in the expected source state"}
	ErrAlreadyTerminal        = &EngineError{Code: -32641, Message: "transaction already reached a terminal state"}
	ErrDisputeWindowClosed    = &EngineError{Code: -32642, Message: "dispute window has closed"}
	ErrDisputeAlreadyResolved = &EngineError{Code: -32644, Message: "dispute already resolved"}
	ErrDuplicateTransaction   = &EngineError{Code: -32645, Message: "transaction already exists"}
)

// ---- External signing / chain errors (-32660 to -32679) ----

var (
	ErrSigningFailed = &EngineError{Code: -32660, Message: "external signer call failed"}
	ErrChainRead     = &EngineError{Code: -32661, Message: "chain read failed"}
)

// ---- Guard / permission errors (-32680 to -32699) ----

var (
	ErrAdminRequired = &EngineError{Code: -32680, Message: "administrative capability required"}
)

// ---- Store / config errors (-32700 to -32719) ----

var (
	ErrStoreInit     = &EngineError{Code: -32700, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32701, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32702, Message: "store write failed"}
	ErrConfigInvalid = &EngineError{Code: -32703, Message: "invalid configuration"}
)
