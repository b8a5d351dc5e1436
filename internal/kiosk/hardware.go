package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"go.uber.org/zap"
)

const opConnect = "kiosk.hardware.connect"

// HardwareStatus describes the coin acceptor link.
type HardwareStatus struct {
	Connected bool      `json:"connected"`
	Port      string    `json:"port,omitempty"`
	Mode      coin.Mode `json:"mode"`
	Lost      bool      `json:"lost"`
}

// ConnectHardware opens the coin acceptor on portName, or on the configured port when empty.
// Failures are reported on the bus and yield false. The read loop lives until Disconnect or Close.
func (s *Service) ConnectHardware(ctx context.Context, portName string) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	portConfig := s.port
	if trimmed := strings.TrimSpace(portName); trimmed != "" {
		portConfig.Name = trimmed
	}
	if err := s.acceptor.Connect(s.lifecycleCtx, portConfig); err != nil {
		code := coin.ErrorCode(err)
		s.logError(opConnect, code, err, zap.String("port", portConfig.Name))
		s.bus.Emit(events.HardwareError{Source: sourceCoinAcceptor, Code: code, Message: err.Error()})
		s.reportStatus(sourceCoinAcceptor, CodeNotConnected)
		return false
	}
	s.hardwareMu.Lock()
	s.wantConnected = true
	s.lostReported = false
	s.hardwareMu.Unlock()
	s.systemLog("info", sourceCoinAcceptor, fmt.Sprintf("coin acceptor connected on %s", s.acceptor.PortName()))
	return true
}

// DisconnectHardware closes the coin acceptor link.
func (s *Service) DisconnectHardware() error {
	s.hardwareMu.Lock()
	s.wantConnected = false
	s.lostReported = false
	s.hardwareMu.Unlock()
	if err := s.acceptor.Disconnect(); err != nil {
		if errors.Is(err, coin.ErrNotConnected) {
			return newSelectionError(CodeNotConnected, err)
		}
		return err
	}
	s.systemLog("info", sourceCoinAcceptor, "coin acceptor disconnected")
	return nil
}

// HardwareStatus reports the current link state.
func (s *Service) HardwareStatus() HardwareStatus {
	s.hardwareMu.Lock()
	lost := s.lostReported
	s.hardwareMu.Unlock()
	return HardwareStatus{
		Connected: s.acceptor.Connected(),
		Port:      s.acceptor.PortName(),
		Mode:      s.acceptor.Mode(),
		Lost:      lost,
	}
}

// handleLost runs on the read loop as it exits after a link failure.
func (s *Service) handleLost(err error) {
	s.reportLost(err.Error())
}

// CheckHardware reports a lost link once per loss.
func (s *Service) CheckHardware() {
	if s.acceptor.Connected() {
		return
	}
	s.reportLost("coin acceptor stopped responding")
}

func (s *Service) reportLost(message string) {
	s.hardwareMu.Lock()
	if !s.wantConnected || s.lostReported {
		s.hardwareMu.Unlock()
		return
	}
	s.lostReported = true
	s.hardwareMu.Unlock()

	s.logger.Warn("coin acceptor connection lost", zap.String("message", message))
	s.bus.Emit(events.HardwareError{Source: sourceCoinAcceptor, Code: CodeConnectionLost, Message: message})
	s.reportStatus(sourceCoinAcceptor, CodeConnectionLost)
}

func (s *Service) pollHardware(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHardware()
		}
	}
}
