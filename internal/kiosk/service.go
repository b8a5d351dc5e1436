// Package kiosk drives the jukebox: coins become credits, quotes become paid queue entries,
// and the admin controls clear or reset both.
package kiosk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
	"go.uber.org/zap"
)

const (
	opServiceNew = "kiosk.service.new"

	sourceKiosk         = "kiosk"
	sourceCoinAcceptor  = "coin-acceptor"
	sourceAdmin         = "admin"
	reasonMissingLedger = "missing_ledger"
	reasonMissingQueue  = "missing_queue"
	reasonMissingPolicy = "missing_policy"
	reasonMissingBus    = "missing_bus"
	reasonMissingOpener = "missing_opener"
	reasonMissingStore  = "missing_store"
)

var (
	errMissingLedger = errors.New("ledger is required")
	errMissingQueue  = errors.New("queue is required")
	errMissingPolicy = errors.New("admission policy is required")
	errMissingBus    = errors.New("event bus is required")
	errMissingOpener = errors.New("serial opener is required")
	errMissingStore  = errors.New("key-value store is required")
)

// LogSink persists and lists diagnostic lines.
type LogSink interface {
	Append(ctx context.Context, entry storage.DiagnosticLog) (storage.DiagnosticLog, error)
	List(ctx context.Context, limit int) ([]storage.DiagnosticLog, error)
}

// Config wires a Service. Logs, OnIdle and Clock are optional.
type Config struct {
	Ledger  *credits.Ledger
	Queue   *playqueue.Queue
	Policy  *admission.Policy
	Bus     *events.Bus
	Store   storage.Store
	Logs    LogSink
	Opener  coin.Opener
	Decoder coin.Decoder
	Port    coin.PortConfig

	BackgroundCredits  int
	TrackDeposits      bool
	InactivityTimeout  time.Duration
	StatusPollInterval time.Duration
	OnIdle             func()

	Logger *zap.Logger
	Clock  func() time.Time
}

// Service is safe for concurrent use. Bus subscribers must not call back into it synchronously.
type Service struct {
	ledger   *credits.Ledger
	queue    *playqueue.Queue
	policy   *admission.Policy
	bus      *events.Bus
	store    storage.Store
	logs     LogSink
	acceptor *coin.Acceptor
	port     coin.PortConfig

	backgroundCredits  int
	trackDeposits      bool
	inactivityTimeout  time.Duration
	statusPollInterval time.Duration
	onIdle             func()

	logger *zap.Logger
	clock  func() time.Time

	// mu serializes credit and queue mutations that span both owners.
	mu sync.Mutex

	hardwareMu    sync.Mutex
	wantConnected bool
	lostReported  bool

	timerMu         sync.Mutex
	idleTimer       *time.Timer
	idleGeneration  uint64
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
	pollDone        chan struct{}
	subscriptions   []events.Subscription
	closeOnce       sync.Once
}

// NewService validates dependencies and builds the coin acceptor.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, newServiceError(opServiceNew, reasonMissingLedger, errMissingLedger)
	case cfg.Queue == nil:
		return nil, newServiceError(opServiceNew, reasonMissingQueue, errMissingQueue)
	case cfg.Policy == nil:
		return nil, newServiceError(opServiceNew, reasonMissingPolicy, errMissingPolicy)
	case cfg.Bus == nil:
		return nil, newServiceError(opServiceNew, reasonMissingBus, errMissingBus)
	case cfg.Opener == nil:
		return nil, newServiceError(opServiceNew, reasonMissingOpener, errMissingOpener)
	case cfg.Store == nil:
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	decoder := cfg.Decoder
	if decoder == nil {
		var err error
		decoder, err = coin.NewDecoder(coin.ModeTolerant, coin.DecoderConfig{Logger: logger, Clock: clock})
		if err != nil {
			return nil, newServiceError(opServiceNew, "decoder_failed", err)
		}
	}

	lifecycleCtx, cancel := context.WithCancel(context.Background())
	service := &Service{
		ledger:             cfg.Ledger,
		queue:              cfg.Queue,
		policy:             cfg.Policy,
		bus:                cfg.Bus,
		store:              cfg.Store,
		logs:               cfg.Logs,
		port:               cfg.Port,
		backgroundCredits:  cfg.BackgroundCredits,
		trackDeposits:      cfg.TrackDeposits,
		inactivityTimeout:  cfg.InactivityTimeout,
		statusPollInterval: cfg.StatusPollInterval,
		onIdle:             cfg.OnIdle,
		logger:             logger,
		clock:              clock,
		lifecycleCtx:       lifecycleCtx,
		lifecycleCancel:    cancel,
	}

	acceptor, err := coin.NewAcceptor(coin.AcceptorConfig{
		Opener:     cfg.Opener,
		Decoder:    decoder,
		OnIntent:   service.handleIntent,
		OnRejected: service.handleRejected,
		OnLost:     service.handleLost,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, newServiceError(opServiceNew, "acceptor_failed", err)
	}
	service.acceptor = acceptor

	if service.logs != nil {
		if err := service.subscribeDiagnostics(); err != nil {
			cancel()
			return nil, newServiceError(opServiceNew, "subscribe_failed", err)
		}
	}
	return service, nil
}

// Start launches hardware status polling. It returns immediately.
func (s *Service) Start() {
	if s.statusPollInterval <= 0 {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.pollDone != nil {
		return
	}
	done := make(chan struct{})
	s.pollDone = done
	go s.pollHardware(s.lifecycleCtx, done)
}

// Close stops timers and polling and releases the serial port.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.lifecycleCancel()
		s.timerMu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.idleGeneration++
		done := s.pollDone
		s.timerMu.Unlock()
		if done != nil {
			<-done
		}
		s.hardwareMu.Lock()
		s.wantConnected = false
		s.hardwareMu.Unlock()
		if disconnectErr := s.acceptor.Disconnect(); disconnectErr != nil && !errors.Is(disconnectErr, coin.ErrNotConnected) {
			err = disconnectErr
		}
		s.bus.Unsubscribe(s.subscriptions...)
	})
	return err
}

// Balance returns the ledger balance.
func (s *Service) Balance() int {
	return s.ledger.Balance()
}

// QueueSnapshot returns the queued entries in play order with the reserved total.
func (s *Service) QueueSnapshot() ([]playqueue.Entry, int) {
	return s.queue.Snapshot(), s.queue.TotalCredits()
}

// AddCredits credits amount from an admin action.
func (s *Service) AddCredits(amount int) (int, error) {
	if amount <= 0 {
		return s.ledger.Balance(), newSelectionError(CodeInvalidAmount, credits.ErrNegativeAmount)
	}
	change, err := s.ledger.Credit(amount, credits.ReasonAdmin)
	if err != nil {
		return change.Total, newSelectionError(CodeInvalidAmount, err)
	}
	s.reportDeposit(change, amount, sourceAdmin)
	s.systemLog("info", sourceAdmin, "credits added by admin")
	return change.Total, nil
}

func (s *Service) systemLog(level, source, message string) {
	s.bus.Emit(events.SystemLog{Level: level, Source: source, Message: message})
}

func (s *Service) reportStatus(source, code string) {
	s.bus.Emit(events.Error{Source: source, Code: code, Message: StatusMessage(code)})
}

// ServiceError carries an "operation.reason" code for construction failures.
type ServiceError struct {
	code string
	err  error
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return e.code + ": " + e.err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("kiosk service error", attrs...)
}
