package errors

// ERR is the error code carried by every *Error. Codes are stable; the
// rejection handling in the sync/relay handlers switches on them.
type ERR int32

const (
	ERR_UNKNOWN ERR = iota
	ERR_INVALID_ARGUMENT
	ERR_NOT_FOUND
	ERR_PROCESSING
	ERR_CONFIGURATION
	ERR_SERVICE_ERROR

	// structural failures: drop and penalize the sending peer
	ERR_BLOCK_MALFORMED

	// consensus failures: drop, mark invalid, penalize heavily, never retry
	ERR_POW_INVALID
	ERR_TIMESTAMP_OUT_OF_RANGE
	ERR_EPOCH_MISMATCH
	ERR_PROPOSAL_WINDOW_VIOLATION
	ERR_UNCLE_INVALID
	ERR_CELLBASE_INVALID
	ERR_DOUBLE_SPEND
	ERR_SCRIPT_FAILURE

	// header references a parent we do not know yet: buffer, no penalty
	ERR_UNKNOWN_ANCESTOR

	// pool or queue at capacity: drop lowest priority, no penalty
	ERR_RESOURCE_EXHAUSTED

	// request deadline exceeded: retry against an alternate peer
	ERR_NETWORK_TIMEOUT

	// storage engine failure: fatal to the operation, surfaced upward
	ERR_STORAGE_ERROR

	ERR_BLOCK_NOT_FOUND
	ERR_BLOCK_EXISTS
	ERR_BLOCK_INVALID
	ERR_TX_NOT_FOUND
	ERR_TX_INVALID
	ERR_TX_ALREADY_EXISTS
)

var errNames = map[ERR]string{
	ERR_UNKNOWN:                   "ERR_UNKNOWN",
	ERR_INVALID_ARGUMENT:          "ERR_INVALID_ARGUMENT",
	ERR_NOT_FOUND:                 "ERR_NOT_FOUND",
	ERR_PROCESSING:                "ERR_PROCESSING",
	ERR_CONFIGURATION:             "ERR_CONFIGURATION",
	ERR_SERVICE_ERROR:             "ERR_SERVICE_ERROR",
	ERR_BLOCK_MALFORMED:           "ERR_BLOCK_MALFORMED",
	ERR_POW_INVALID:               "ERR_POW_INVALID",
	ERR_TIMESTAMP_OUT_OF_RANGE:    "ERR_TIMESTAMP_OUT_OF_RANGE",
	ERR_EPOCH_MISMATCH:            "ERR_EPOCH_MISMATCH",
	ERR_PROPOSAL_WINDOW_VIOLATION: "ERR_PROPOSAL_WINDOW_VIOLATION",
	ERR_UNCLE_INVALID:             "ERR_UNCLE_INVALID",
	ERR_CELLBASE_INVALID:          "ERR_CELLBASE_INVALID",
	ERR_DOUBLE_SPEND:              "ERR_DOUBLE_SPEND",
	ERR_SCRIPT_FAILURE:            "ERR_SCRIPT_FAILURE",
	ERR_UNKNOWN_ANCESTOR:          "ERR_UNKNOWN_ANCESTOR",
	ERR_RESOURCE_EXHAUSTED:        "ERR_RESOURCE_EXHAUSTED",
	ERR_NETWORK_TIMEOUT:           "ERR_NETWORK_TIMEOUT",
	ERR_STORAGE_ERROR:             "ERR_STORAGE_ERROR",
	ERR_BLOCK_NOT_FOUND:           "ERR_BLOCK_NOT_FOUND",
	ERR_BLOCK_EXISTS:              "ERR_BLOCK_EXISTS",
	ERR_BLOCK_INVALID:             "ERR_BLOCK_INVALID",
	ERR_TX_NOT_FOUND:              "ERR_TX_NOT_FOUND",
	ERR_TX_INVALID:                "ERR_TX_INVALID",
	ERR_TX_ALREADY_EXISTS:         "ERR_TX_ALREADY_EXISTS",
}

func (e ERR) String() string {
	if name, ok := errNames[e]; ok {
		return name
	}
	return "ERR_UNKNOWN"
}

// IsConsensusViolation reports whether the code is one of the consensus-rule
// failures that mark a block Invalid permanently.
func (e ERR) IsConsensusViolation() bool {
	switch e {
	case ERR_POW_INVALID, ERR_TIMESTAMP_OUT_OF_RANGE, ERR_EPOCH_MISMATCH,
		ERR_PROPOSAL_WINDOW_VIOLATION, ERR_UNCLE_INVALID, ERR_CELLBASE_INVALID,
		ERR_DOUBLE_SPEND, ERR_SCRIPT_FAILURE, ERR_BLOCK_INVALID:
		return true
	}
	return false
}
