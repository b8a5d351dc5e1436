// Package credits holds the authoritative patron credit balance.
package credits

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
	"go.uber.org/zap"
)

const (
	// MaxCredits bounds the balance and the credits reserved by the queue.
	MaxCredits = 255
	// StorageKey is the durable key holding the balance.
	StorageKey = "jukebox.credits"
)

var (
	// ErrInsufficientCredits indicates a deduction larger than the balance.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrNegativeAmount indicates a negative add or deduct amount.
	ErrNegativeAmount = errors.New("credits: amount must not be negative")
)

// Reason labels a balance change.
type Reason string

const (
	ReasonCoin      Reason = "coin"
	ReasonAdmin     Reason = "admin"
	ReasonSelection Reason = "selection"
	ReasonRefund    Reason = "refund"
	ReasonReset     Reason = "reset"
)

// Change describes one applied mutation.
type Change struct {
	Total  int
	Delta  int
	Reason Reason
}

// ChangeCallback observes applied mutations.
type ChangeCallback func(Change)

// LedgerConfig wires a Ledger. Store and Bus are optional.
type LedgerConfig struct {
	Store  storage.Store
	Bus    *events.Bus
	Logger *zap.Logger
}

// Ledger is the only owner of the balance. Mutations persist best-effort: a storage failure
// is logged and the balance continues in memory. Callbacks and bus subscribers observe
// changes in mutation order and must not mutate the ledger themselves.
type Ledger struct {
	opMu      sync.Mutex
	mu        sync.Mutex
	balance   int
	store     storage.Store
	bus       *events.Bus
	logger    *zap.Logger
	callbacks map[int64]ChangeCallback
	nextID    int64
}

// NewLedger constructs a ledger and restores the persisted balance.
func NewLedger(cfg LedgerConfig) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := &Ledger{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger,
		callbacks: make(map[int64]ChangeCallback),
	}
	ledger.balance = ledger.load()
	return ledger
}

// Balance returns the current balance.
func (l *Ledger) Balance() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Add credits amount, saturating at MaxCredits, and returns the new balance.
func (l *Ledger) Add(amount int, reason Reason) (int, error) {
	change, err := l.Credit(amount, reason)
	return change.Total, err
}

// Credit behaves like Add but reports the applied change. Delta falls short of amount when
// the balance saturated.
func (l *Ledger) Credit(amount int, reason Reason) (Change, error) {
	if amount < 0 {
		return Change{Total: l.Balance(), Reason: reason}, fmt.Errorf("%w: %d", ErrNegativeAmount, amount)
	}
	if amount > MaxCredits {
		amount = MaxCredits
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	previous := l.balance
	l.balance = clamp(previous + amount)
	change := Change{Total: l.balance, Delta: l.balance - previous, Reason: reason}
	l.persistLocked()
	callbacks := l.callbacksLocked()
	l.mu.Unlock()

	l.notify(change, callbacks)
	return change, nil
}

// Deduct removes amount when the balance covers it. It reports false, leaving the balance
// untouched, otherwise.
func (l *Ledger) Deduct(amount int, reason Reason) bool {
	if amount < 0 {
		l.logger.Warn("negative deduction ignored", zap.Int("amount", amount))
		return false
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	if l.balance < amount {
		balance := l.balance
		l.mu.Unlock()
		l.logger.Info("deduction declined",
			zap.Int("amount", amount),
			zap.Int("balance", balance),
			zap.String("reason", string(reason)))
		return false
	}
	l.balance -= amount
	change := Change{Total: l.balance, Delta: -amount, Reason: reason}
	l.persistLocked()
	callbacks := l.callbacksLocked()
	l.mu.Unlock()

	l.notify(change, callbacks)
	return true
}

// Reset zeroes the balance unconditionally.
func (l *Ledger) Reset(reason Reason) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	previous := l.balance
	l.balance = 0
	change := Change{Total: 0, Delta: -previous, Reason: reason}
	l.persistLocked()
	callbacks := l.callbacksLocked()
	l.mu.Unlock()

	l.notify(change, callbacks)
}

// OnChange registers callback and returns a function that removes it.
func (l *Ledger) OnChange(callback ChangeCallback) func() {
	if callback == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.callbacks[id] = callback
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.callbacks, id)
		l.mu.Unlock()
	}
}

func (l *Ledger) load() int {
	if l.store == nil {
		return 0
	}
	raw, err := l.store.Get(StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("stored credit balance missing, starting at zero")
		} else {
			l.logger.Warn("stored credit balance unavailable, starting at zero", zap.Error(err))
		}
		return 0
	}
	balance, err := ParseBalance(raw)
	if err != nil {
		l.logger.Warn("stored credit balance corrupt, starting at zero",
			zap.String("value", raw),
			zap.Error(err))
		return 0
	}
	return balance
}

func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.Set(StorageKey, strconv.Itoa(l.balance)); err != nil {
		l.logger.Warn("credit balance not persisted", zap.Int("balance", l.balance), zap.Error(err))
	}
}

func (l *Ledger) callbacksLocked() []ChangeCallback {
	copies := make([]ChangeCallback, 0, len(l.callbacks))
	for _, callback := range l.callbacks {
		copies = append(copies, callback)
	}
	return copies
}

func (l *Ledger) notify(change Change, callbacks []ChangeCallback) {
	for _, callback := range callbacks {
		callback(change)
	}
	if l.bus != nil {
		l.bus.Emit(events.CreditsChanged{
			Total:  change.Total,
			Change: change.Delta,
			Reason: string(change.Reason),
		})
	}
}

// ParseBalance decodes a stored balance. Negative values clamp to zero and values above
// MaxCredits clamp to MaxCredits; anything that is not an integer is an error.
func ParseBalance(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	return clamp(value), nil
}

func clamp(value int) int {
	if value < 0 {
		return 0
	}
	if value > MaxCredits {
		return MaxCredits
	}
	return value
}
