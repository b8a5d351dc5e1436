package kiosk

import (
	"errors"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"go.uber.org/zap"
)

const (
	opSelect     = "kiosk.select"
	opBackground = "kiosk.background"
	opRefund     = "kiosk.refund"
)

// Quote is the price confirmation shown to the patron before committing.
type Quote struct {
	admission.Decision
	Message string `json:"message,omitempty"`
}

// Selection is a committed paid entry.
type Selection struct {
	Entry   playqueue.Entry
	Request playqueue.Request
	Balance int
}

// Quote prices videoID without moving credits.
func (s *Service) Quote(videoID string, premium bool) Quote {
	decision := s.policy.Authorize(videoID, premium)
	quote := Quote{Decision: decision}
	if !decision.Approved {
		quote.Message = StatusMessage(codeForDecision(decision))
	}
	return quote
}

// Select commits a quote: it deducts the price and enqueues a paid request. When the queue
// rejects the entry the deducted credits are refunded.
func (s *Service) Select(videoID, title string, premium bool) (Selection, error) {
	request, err := playqueue.NewRequest(videoID, title)
	if err != nil {
		return s.declineSelection(CodeInvalidVideo, err)
	}

	s.mu.Lock()
	decision := s.policy.Authorize(request.VideoID, premium)
	if !decision.Approved {
		s.mu.Unlock()
		return s.declineSelection(codeForDecision(decision), errors.New(decision.Reason))
	}
	price := decision.RequiredCredits
	if !s.ledger.Deduct(price, credits.ReasonSelection) {
		s.mu.Unlock()
		return s.declineSelection(CodeInsufficientCredits, credits.ErrInsufficientCredits)
	}
	entry, err := s.queue.Add(request, true, price)
	if err != nil {
		if _, refundErr := s.ledger.Add(price, credits.ReasonRefund); refundErr != nil {
			s.logError(opRefund, "refund_failed", refundErr, zap.Int("credits", price))
		}
		s.mu.Unlock()
		s.logger.Info("selection refunded",
			zap.String("video_id", request.VideoID),
			zap.Int("credits", price),
			zap.Error(err))
		return s.declineSelection(codeForQueueError(err), err)
	}
	balance := s.ledger.Balance()
	s.mu.Unlock()

	s.bus.Emit(events.VideoSelected{
		EntryID: entry.ID,
		VideoID: request.VideoID,
		Title:   request.Title,
		Credits: price,
		Premium: premium,
	})
	s.resetInactivity()
	return Selection{Entry: entry, Request: request, Balance: balance}, nil
}

func (s *Service) declineSelection(code string, cause error) (Selection, error) {
	s.reportStatus(sourceKiosk, code)
	s.logger.Info("selection declined", zap.String("operation", opSelect), zap.String("code", code), zap.Error(cause))
	return Selection{}, newSelectionError(code, cause)
}

// AddBackground enqueues an unpaid filler request behind every paid entry.
func (s *Service) AddBackground(videoID, title string) (playqueue.Entry, error) {
	request, err := playqueue.NewRequest(videoID, title)
	if err != nil {
		return playqueue.Entry{}, newSelectionError(CodeInvalidVideo, err)
	}
	entry, err := s.queue.Add(request, false, s.backgroundCredits)
	if err != nil {
		code := codeForQueueError(err)
		s.reportStatus(sourceKiosk, code)
		s.logger.Info("background request declined", zap.String("operation", opBackground), zap.String("code", code), zap.Error(err))
		return playqueue.Entry{}, newSelectionError(code, err)
	}
	return entry, nil
}

// Next removes and returns the next playable entry, discarding deposit markers ahead of it.
// The boolean is false when nothing playable is queued.
func (s *Service) Next() (playqueue.Entry, bool) {
	for {
		entry, ok := s.queue.Pop()
		if !ok {
			return playqueue.Entry{}, false
		}
		if entry.IsDeposit() {
			s.logger.Debug("deposit marker skipped", zap.String("entry_id", entry.ID), zap.Int("credits", entry.Credits))
			continue
		}
		return entry, true
	}
}
