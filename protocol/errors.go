package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure reason that is reported to participants verbatim.
type Error string

func (e Error) Error() string {
	return string(e)
}

// Failure reasons. Per-bid and per-asset reasons never abort an epoch;
// settlement reasons resolve the affected obligation to Reverted.
const (
	ErrLateSubmission           = Error("LateSubmission")
	ErrUndecryptableBid         = Error("UndecryptableBid")
	ErrInsufficientCollateral   = Error("InsufficientCollateral")
	ErrNoClearingPrice          = Error("NoClearingPrice")
	ErrInsufficientParticipants = Error("InsufficientParticipants")
	ErrProofInvalid             = Error("ProofInvalid")
	ErrSettlementTimeout        = Error("SettlementTimeout")
	ErrLedgerConflict           = Error("LedgerConflict")

	ErrInvalidBid        = Error("InvalidBid")
	ErrUnknownBid        = Error("UnknownBid")
	ErrUnknownObligation = Error("UnknownObligation")
	ErrTooEarly          = Error("TooEarly")
	ErrEpochAlreadyRun   = Error("EpochAlreadyRun")
)

// Errorf wraps reason with a formatted detail message.
func Errorf(reason Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", reason, fmt.Sprintf(format, args...))
}

// ReasonOf extracts the failure reason from err. Errors outside the
// taxonomy yield "".
func ReasonOf(err error) Error {
	var reason Error
	if errors.As(err, &reason) {
		return reason
	}
	return ""
}

var reasons = map[Error]bool{
	ErrLateSubmission:           true,
	ErrUndecryptableBid:         true,
	ErrInsufficientCollateral:   true,
	ErrNoClearingPrice:          true,
	ErrInsufficientParticipants: true,
	ErrProofInvalid:             true,
	ErrSettlementTimeout:        true,
	ErrLedgerConflict:           true,
	ErrInvalidBid:               true,
	ErrUnknownBid:               true,
	ErrUnknownObligation:        true,
	ErrTooEarly:                 true,
	ErrEpochAlreadyRun:          true,
}

// ParseError restores an error rendered by Errorf, e.g. from an HTTP
// response body. Messages without a known reason become plain errors.
func ParseError(msg string) error {
	msg = strings.TrimSpace(msg)
	head, detail, _ := strings.Cut(msg, ": ")
	if reason := Error(head); reasons[reason] {
		if detail == "" {
			return reason
		}
		return Errorf(reason, "%s", detail)
	}
	return errors.New(msg)
}
