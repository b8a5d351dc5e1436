package kiosk

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"go.uber.org/zap"
)

const (
	defaultStopReason  = "emergency stop"
	defaultResetReason = "system reset"
)

// StopResult summarizes what an emergency stop discarded.
type StopResult struct {
	DiscardedEntries int `json:"discarded_entries"`
	DiscardedCredits int `json:"discarded_credits"`
}

// EmergencyStop discards the queue. Credits reserved by discarded entries are not refunded.
func (s *Service) EmergencyStop(reason string) StopResult {
	reason = reasonOrDefault(reason, defaultStopReason)
	s.mu.Lock()
	discarded := s.queue.Clear()
	s.mu.Unlock()

	result := StopResult{DiscardedEntries: len(discarded), DiscardedCredits: playqueue.SumCredits(discarded)}
	s.logger.Warn("emergency stop",
		zap.String("reason", reason),
		zap.Int("discarded_entries", result.DiscardedEntries),
		zap.Int("discarded_credits", result.DiscardedCredits))
	s.bus.Emit(events.EmergencyStop{
		Reason:           reason,
		DiscardedEntries: result.DiscardedEntries,
		DiscardedCredits: result.DiscardedCredits,
	})
	s.systemLog("warn", sourceAdmin, fmt.Sprintf("emergency stop: %d entries discarded", result.DiscardedEntries))
	return result
}

// Reset discards the queue and zeroes the balance.
func (s *Service) Reset(reason string) {
	reason = reasonOrDefault(reason, defaultResetReason)
	s.mu.Lock()
	discarded := s.queue.Clear()
	s.ledger.Reset(credits.ReasonReset)
	s.mu.Unlock()

	s.logger.Warn("system reset", zap.String("reason", reason), zap.Int("discarded_entries", len(discarded)))
	s.bus.Emit(events.SystemReset{Reason: reason})
	s.systemLog("warn", sourceAdmin, "system reset")
}

func reasonOrDefault(reason, fallback string) string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
