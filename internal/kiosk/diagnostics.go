package kiosk

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

const diagnosticWriteTimeout = 2 * time.Second

// subscribeDiagnostics persists system-log, hardware-error and error events.
func (s *Service) subscribeDiagnostics() error {
	for _, name := range []events.Name{events.NameSystemLog, events.NameHardwareError, events.NameError} {
		subscription, err := s.bus.Subscribe(name, s.recordDiagnostic)
		if err != nil {
			s.bus.Unsubscribe(s.subscriptions...)
			s.subscriptions = nil
			return err
		}
		s.subscriptions = append(s.subscriptions, subscription)
	}
	return nil
}

func (s *Service) recordDiagnostic(event events.Event) error {
	entry := storage.DiagnosticLog{
		Event:           string(event.Name),
		CreatedAtMillis: event.EmittedAt.UnixMilli(),
	}
	switch payload := event.Payload.(type) {
	case events.SystemLog:
		entry.Level = payload.Level
		entry.Source = payload.Source
		entry.Message = payload.Message
	case events.HardwareError:
		entry.Level = "error"
		entry.Source = payload.Source
		entry.Code = payload.Code
		entry.Message = payload.Message
	case events.Error:
		entry.Level = "warn"
		entry.Source = payload.Source
		entry.Code = payload.Code
		entry.Message = payload.Message
	default:
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()
	_, err := s.logs.Append(ctx, entry)
	return err
}

// Logs lists diagnostic lines newest first.
func (s *Service) Logs(ctx context.Context, limit int) ([]storage.DiagnosticLog, error) {
	if s.logs == nil {
		return nil, ErrLogsUnavailable
	}
	return s.logs.List(ctx, limit)
}
