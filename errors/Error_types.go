package errors

var (
	ErrUnknown                 = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument         = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrNotFound                = New(ERR_NOT_FOUND, "not found")
	ErrProcessing              = New(ERR_PROCESSING, "error processing")
	ErrConfiguration           = New(ERR_CONFIGURATION, "configuration error")
	ErrServiceError            = New(ERR_SERVICE_ERROR, "service error")
	ErrBlockMalformed          = New(ERR_BLOCK_MALFORMED, "block malformed")
	ErrPowInvalid              = New(ERR_POW_INVALID, "proof of work invalid")
	ErrTimestampOutOfRange     = New(ERR_TIMESTAMP_OUT_OF_RANGE, "timestamp out of range")
	ErrEpochMismatch           = New(ERR_EPOCH_MISMATCH, "epoch mismatch")
	ErrProposalWindowViolation = New(ERR_PROPOSAL_WINDOW_VIOLATION, "proposal window violation")
	ErrUncleInvalid            = New(ERR_UNCLE_INVALID, "uncle invalid")
	ErrCellbaseInvalid         = New(ERR_CELLBASE_INVALID, "cellbase invalid")
	ErrDoubleSpend             = New(ERR_DOUBLE_SPEND, "double spend")
	ErrScriptFailure           = New(ERR_SCRIPT_FAILURE, "script verification failed")
	ErrUnknownAncestor         = New(ERR_UNKNOWN_ANCESTOR, "unknown ancestor")
	ErrResourceExhausted       = New(ERR_RESOURCE_EXHAUSTED, "resource exhausted")
	ErrNetworkTimeout          = New(ERR_NETWORK_TIMEOUT, "network timeout")
	ErrStorageError            = New(ERR_STORAGE_ERROR, "storage error")
	ErrBlockNotFound           = New(ERR_BLOCK_NOT_FOUND, "block not found")
	ErrBlockExists             = New(ERR_BLOCK_EXISTS, "block exists")
	ErrBlockInvalid            = New(ERR_BLOCK_INVALID, "block invalid")
	ErrTxNotFound              = New(ERR_TX_NOT_FOUND, "tx not found")
	ErrTxInvalid               = New(ERR_TX_INVALID, "tx invalid")
	ErrTxAlreadyExists         = New(ERR_TX_ALREADY_EXISTS, "tx already exists")
)

// errors initialization functions

func NewUnknownError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN, message, params...)
}
func NewInvalidArgumentError(message string, params ...interface{}) error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}
func NewNotFoundError(message string, params ...interface{}) error {
	return New(ERR_NOT_FOUND, message, params...)
}
func NewProcessingError(message string, params ...interface{}) error {
	return New(ERR_PROCESSING, message, params...)
}
func NewConfigurationError(message string, params ...interface{}) error {
	return New(ERR_CONFIGURATION, message, params...)
}
func NewServiceError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_ERROR, message, params...)
}
func NewBlockMalformedError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_MALFORMED, message, params...)
}
func NewPowInvalidError(message string, params ...interface{}) error {
	return New(ERR_POW_INVALID, message, params...)
}
func NewTimestampOutOfRangeError(message string, params ...interface{}) error {
	return New(ERR_TIMESTAMP_OUT_OF_RANGE, message, params...)
}
func NewEpochMismatchError(message string, params ...interface{}) error {
	return New(ERR_EPOCH_MISMATCH, message, params...)
}
func NewProposalWindowViolationError(message string, params ...interface{}) error {
	return New(ERR_PROPOSAL_WINDOW_VIOLATION, message, params...)
}
func NewUncleInvalidError(message string, params ...interface{}) error {
	return New(ERR_UNCLE_INVALID, message, params...)
}
func NewCellbaseInvalidError(message string, params ...interface{}) error {
	return New(ERR_CELLBASE_INVALID, message, params...)
}
func NewDoubleSpendError(message string, params ...interface{}) error {
	return New(ERR_DOUBLE_SPEND, message, params...)
}
func NewScriptFailureError(message string, params ...interface{}) error {
	return New(ERR_SCRIPT_FAILURE, message, params...)
}
func NewUnknownAncestorError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN_ANCESTOR, message, params...)
}
func NewResourceExhaustedError(message string, params ...interface{}) error {
	return New(ERR_RESOURCE_EXHAUSTED, message, params...)
}
func NewNetworkTimeoutError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_TIMEOUT, message, params...)
}
func NewStorageError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_ERROR, message, params...)
}
func NewBlockNotFoundError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_NOT_FOUND, message, params...)
}
func NewBlockExistsError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_EXISTS, message, params...)
}
func NewBlockInvalidError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_INVALID, message, params...)
}
func NewTxNotFoundError(message string, params ...interface{}) error {
	return New(ERR_TX_NOT_FOUND, message, params...)
}
func NewTxInvalidError(message string, params ...interface{}) error {
	return New(ERR_TX_INVALID, message, params...)
}
func NewTxAlreadyExistsError(message string, params ...interface{}) error {
	return New(ERR_TX_ALREADY_EXISTS, message, params...)
}
