package kiosk

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
)

// Status codes shared by SelectionError and the error event.
const (
	CodeMaxCredits          = "max_credits"
	CodeInsufficientCredits = "insufficient_credits"
	CodeInvalidVideo        = "invalid_video"
	CodeInvalidAmount       = "invalid_amount"
	CodeQueueFailed         = "queue_failed"
	CodeNotConnected        = "not_connected"
	CodeConnectionLost      = "connection_lost"
	CodeCoinRejected        = "coin_rejected"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeStorageUnavailable  = "storage_unavailable"
)

var (
	// ErrEmptyAPIKey indicates a rotation without a key.
	ErrEmptyAPIKey = errors.New("kiosk: api key is required")
	// ErrAPIKeyUnset indicates that no key has been stored yet.
	ErrAPIKeyUnset = errors.New("kiosk: api key not configured")
	// ErrLogsUnavailable indicates a service wired without a diagnostic log store.
	ErrLogsUnavailable = errors.New("kiosk: diagnostic logs unavailable")
)

var statusMessages = map[string]string{
	CodeMaxCredits:          "Maximum credits reached",
	CodeInsufficientCredits: "Insufficient credits",
	CodeInvalidVideo:        "Select a video first",
	CodeInvalidAmount:       "Invalid credit amount",
	CodeQueueFailed:         "Selection could not be queued",
	CodeNotConnected:        "Coin acceptor not connected",
	CodeConnectionLost:      "Coin acceptor connection lost",
	CodeCoinRejected:        "Coin not recognized",
	CodeInvalidAPIKey:       "API key is required",
	CodeStorageUnavailable:  "Settings could not be saved",
}

// StatusMessage returns the patron-facing text for code.
func StatusMessage(code string) string {
	if message, ok := statusMessages[code]; ok {
		return message
	}
	return "Something went wrong"
}

// SelectionError is a recoverable, user-visible failure of a kiosk operation.
type SelectionError struct {
	Code    string
	Message string
	Err     error
}

func newSelectionError(code string, cause error) *SelectionError {
	return &SelectionError{Code: code, Message: StatusMessage(code), Err: cause}
}

func (e *SelectionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}

// codeForDecision maps a declined quote to a status code.
func codeForDecision(decision admission.Decision) string {
	switch decision.Reason {
	case admission.ReasonQueueFull:
		return CodeMaxCredits
	case admission.ReasonInvalidItem:
		return CodeInvalidVideo
	default:
		return CodeInsufficientCredits
	}
}

// codeForQueueError maps a queue rejection to a status code.
func codeForQueueError(err error) string {
	switch {
	case errors.Is(err, playqueue.ErrCreditOverflow):
		return CodeMaxCredits
	case errors.Is(err, playqueue.ErrEmptyVideoID):
		return CodeInvalidVideo
	default:
		return CodeQueueFailed
	}
}
