package playqueue

import (
	"errors"
	"strings"
)

// Kind discriminates queue items.
type Kind string

const (
	KindRequest Kind = "request"
	KindDeposit Kind = "deposit"
)

// ErrEmptyVideoID indicates a playable request without a video.
var ErrEmptyVideoID = errors.New("playqueue: video id is required")

// Item is either a playable Request or a Deposit marker that only carries credits.
type Item interface {
	Kind() Kind
	item()
}

// Request is a patron or background selection the player can play.
type Request struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title,omitempty"`
}

// NewRequest trims and validates a playable request.
func NewRequest(videoID string, title string) (Request, error) {
	trimmed := strings.TrimSpace(videoID)
	if trimmed == "" {
		return Request{}, ErrEmptyVideoID
	}
	return Request{VideoID: trimmed, Title: strings.TrimSpace(title)}, nil
}

func (Request) Kind() Kind { return KindRequest }
func (Request) item()      {}

// Deposit marks credits held by the queue without a video. The player skips it.
type Deposit struct {
	Source string `json:"source,omitempty"`
}

func (Deposit) Kind() Kind { return KindDeposit }
func (Deposit) item()      {}
