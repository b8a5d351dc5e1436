package kiosk

import (
	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"go.uber.org/zap"
)

// handleIntent runs on the acceptor read loop, one intent at a time in arrival order.
func (s *Service) handleIntent(intent coin.Intent) {
	s.mu.Lock()
	change, err := s.ledger.Credit(intent.Credits, credits.ReasonCoin)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("coin credit rejected", zap.Int("credits", intent.Credits), zap.Error(err))
		return
	}
	if s.trackDeposits {
		if _, err := s.queue.Add(playqueue.Deposit{Source: sourceCoinAcceptor}, true, intent.Credits); err != nil {
			s.logger.Warn("deposit marker not queued", zap.Int("credits", intent.Credits), zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.reportDeposit(change, intent.Credits, sourceCoinAcceptor)
	s.resetInactivity()
}

// reportDeposit emits credits-added with the applied delta, plus a max_credits status when
// the ledger saturated.
func (s *Service) reportDeposit(change credits.Change, requested int, source string) {
	s.bus.Emit(events.CreditsAdded{Amount: change.Delta, Requested: requested, Total: change.Total, Source: source})
	if change.Delta < requested {
		s.logger.Info("deposit saturated", zap.String("source", source), zap.Int("requested", requested), zap.Int("applied", change.Delta))
		s.reportStatus(source, CodeMaxCredits)
	}
}

// handleRejected reports a dropped frame. The balance is untouched.
func (s *Service) handleRejected(err error) {
	code := coin.ErrorCode(err)
	s.bus.Emit(events.HardwareError{Source: sourceCoinAcceptor, Code: code, Message: err.Error()})
	s.reportStatus(sourceCoinAcceptor, CodeCoinRejected)
}
