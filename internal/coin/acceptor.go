package coin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaudRate     = 9600
	defaultDataBits     = 8
	defaultStopBits     = 1
	defaultParity       = "none"
	defaultReadTimeout  = 250 * time.Millisecond
	defaultReadBuffer   = 64
	acceptorSourceLabel = "coin-acceptor"
)

// PortConfig describes the serial line settings.
type PortConfig struct {
	Name        string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	ReadTimeout time.Duration
}

// WithDefaults fills unset fields with 9600 8N1 and a short read timeout.
func (c PortConfig) WithDefaults() PortConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.DataBits <= 0 {
		c.DataBits = defaultDataBits
	}
	if c.StopBits <= 0 {
		c.StopBits = defaultStopBits
	}
	if c.Parity == "" {
		c.Parity = defaultParity
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// Port is an open byte stream. A read that times out returns 0, nil.
type Port interface {
	io.ReadCloser
}

// Opener opens ports. Implementations return ErrDeviceNotFound or ErrConnectionFailed.
type Opener interface {
	Open(cfg PortConfig) (Port, error)
}

// AcceptorConfig wires an Acceptor.
type AcceptorConfig struct {
	Opener     Opener
	Decoder    Decoder
	OnIntent   func(Intent)
	OnRejected func(error)
	// OnLost runs when the link fails while listening. It is not called for Disconnect.
	OnLost     func(error)
	Logger     *zap.Logger
	BufferSize int
}

// Acceptor owns the serial link and its read loop.
type Acceptor struct {
	opener     Opener
	decoder    Decoder
	onIntent   func(Intent)
	onRejected func(error)
	onLost     func(error)
	logger     *zap.Logger
	bufferSize int

	mu        sync.Mutex
	port      *guardedPort
	portName  string
	done      chan struct{}
	listening atomic.Bool
}

// NewAcceptor constructs a disconnected acceptor.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.Opener == nil {
		return nil, fmt.Errorf("%w: opener is required", ErrInvalidConfig)
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: decoder is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultReadBuffer
	}
	return &Acceptor{
		opener:     cfg.Opener,
		decoder:    cfg.Decoder,
		onIntent:   cfg.OnIntent,
		onRejected: cfg.OnRejected,
		onLost:     cfg.OnLost,
		logger:     logger.With(zap.String("source", acceptorSourceLabel)),
		bufferSize: bufferSize,
	}, nil
}

// Mode reports the decoder generation in use.
func (a *Acceptor) Mode() Mode {
	return a.decoder.Mode()
}

// Connected reports whether the read loop is running.
func (a *Acceptor) Connected() bool {
	return a.listening.Load()
}

// PortName returns the device the acceptor is attached to, or "".
func (a *Acceptor) PortName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.portName
}

// Connect opens the port and starts the read loop. The loop stops when ctx is done, on
// Disconnect, or when the port fails. Connecting while connected is a no-op.
func (a *Acceptor) Connect(ctx context.Context, cfg PortConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port != nil {
		return nil
	}
	cfg = cfg.WithDefaults()
	port, err := a.opener.Open(cfg)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrConnectionFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	name := cfg.Name
	if named, ok := port.(interface{ Name() string }); ok && named.Name() != "" {
		name = named.Name()
	}

	guarded := &guardedPort{Port: port}
	done := make(chan struct{})
	a.port = guarded
	a.portName = name
	a.done = done
	a.listening.Store(true)

	go a.readLoop(guarded, done)
	go func() {
		select {
		case <-ctx.Done():
			a.stop(guarded, done)
		case <-done:
		}
	}()

	a.logger.Info("serial port connected",
		zap.String("port", name),
		zap.Int("baud_rate", cfg.BaudRate),
		zap.String("mode", string(a.decoder.Mode())))
	return nil
}

// Disconnect stops the read loop, cancels the pending read and closes the port.
func (a *Acceptor) Disconnect() error {
	a.mu.Lock()
	port := a.port
	done := a.done
	a.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	return a.stop(port, done)
}

func (a *Acceptor) stop(port *guardedPort, done chan struct{}) error {
	a.listening.Store(false)
	err := port.close()
	<-done
	return err
}

func (a *Acceptor) readLoop(port *guardedPort, done chan struct{}) {
	defer close(done)
	defer a.release(port)

	buffer := make([]byte, a.bufferSize)
	for a.listening.Load() {
		count, err := port.Read(buffer)
		if count > 0 && a.listening.Load() {
			a.process(append([]byte(nil), buffer[:count]...))
		}
		if err != nil {
			if a.listening.Load() {
				a.logger.Warn("serial read failed", zap.Error(err))
				if a.onLost != nil {
					a.onLost(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
				}
			}
			return
		}
	}
}

// process handles one chunk to completion before the next read.
func (a *Acceptor) process(chunk []byte) {
	for _, outcome := range a.decoder.Decode(chunk) {
		if outcome.Accepted() {
			if a.onIntent != nil {
				a.onIntent(outcome.Intent)
			}
			continue
		}
		if a.onRejected != nil {
			a.onRejected(outcome.Err)
		}
	}
}

func (a *Acceptor) release(port *guardedPort) {
	a.listening.Store(false)
	if err := port.close(); err != nil {
		a.logger.Warn("serial port close failed", zap.Error(err))
	}
	a.mu.Lock()
	if a.port == port {
		a.port = nil
		a.portName = ""
		a.done = nil
	}
	a.mu.Unlock()
	a.logger.Info("serial port released")
}

type guardedPort struct {
	Port
	once sync.Once
	err  error
}

func (p *guardedPort) close() error {
	p.once.Do(func() {
		p.err = p.Port.Close()
	})
	return p.err
}
