package kiosk

import (
	"time"

	"go.uber.org/zap"
)

// resetInactivity replaces the pending idle timer with a fresh one.
func (s *Service) resetInactivity() {
	if s.inactivityTimeout <= 0 {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.lifecycleCtx.Err() != nil {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleGeneration++
	generation := s.idleGeneration
	s.idleTimer = time.AfterFunc(s.inactivityTimeout, func() {
		s.expireInactivity(generation)
	})
}

// expireInactivity ignores timers superseded after they already fired.
func (s *Service) expireInactivity(generation uint64) {
	s.timerMu.Lock()
	if generation != s.idleGeneration {
		s.timerMu.Unlock()
		return
	}
	s.idleTimer = nil
	s.timerMu.Unlock()

	s.logger.Info("inactivity timeout", zap.Duration("timeout", s.inactivityTimeout))
	s.systemLog("info", sourceKiosk, "inactivity timeout")
	if s.onIdle != nil {
		s.onIdle()
	}
}
