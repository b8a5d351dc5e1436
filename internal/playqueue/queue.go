// Package playqueue holds pending playback entries in paid-then-unpaid, first-in-first-out order.
package playqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/ids"
)

// DefaultMaxCredits bounds the credits reserved by all queued entries.
const DefaultMaxCredits = 255

var (
	// ErrCreditOverflow indicates an add that would push reserved credits past the ceiling.
	ErrCreditOverflow = errors.New("playqueue: maximum credits reached")
	// ErrNegativeCredits indicates an entry reserving a negative amount.
	ErrNegativeCredits = errors.New("playqueue: credits must not be negative")
	// ErrNilItem indicates an add without an item.
	ErrNilItem = errors.New("playqueue: item is required")
)

// Entry is one queued item with its tier and reservation.
type Entry struct {
	ID         string    `json:"id"`
	Item       Item      `json:"-"`
	Paid       bool      `json:"paid"`
	Credits    int       `json:"credits"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	seq        uint64
}

// Request returns the playable request carried by the entry, if any.
func (e Entry) Request() (Request, bool) {
	request, ok := e.Item.(Request)
	return request, ok
}

// IsDeposit reports whether the entry is a credit deposit marker.
func (e Entry) IsDeposit() bool {
	_, ok := e.Item.(Deposit)
	return ok
}

// Config configures a Queue.
type Config struct {
	MaxCredits int
	IDProvider ids.Provider
	Clock      func() time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	entries      []Entry
	totalCredits int
	maxCredits   int
	nextSeq      uint64
	idProvider   ids.Provider
	clock        func() time.Time
}

// New constructs an empty queue.
func New(cfg Config) *Queue {
	maxCredits := cfg.MaxCredits
	if maxCredits <= 0 {
		maxCredits = DefaultMaxCredits
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Queue{maxCredits: maxCredits, idProvider: provider, clock: clock}
}

// Add inserts item ahead of every unpaid entry when paid, and behind every entry of its own tier.
// A rejected add leaves the queue untouched.
func (q *Queue) Add(item Item, paid bool, credits int) (Entry, error) {
	if item == nil {
		return Entry{}, ErrNilItem
	}
	if request, ok := item.(Request); ok && request.VideoID == "" {
		return Entry{}, ErrEmptyVideoID
	}
	if credits < 0 {
		return Entry{}, fmt.Errorf("%w: %d", ErrNegativeCredits, credits)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if credits > q.maxCredits-q.totalCredits {
		return Entry{}, fmt.Errorf("%w: %d reserved, %d requested, limit %d", ErrCreditOverflow, q.totalCredits, credits, q.maxCredits)
	}
	entryID, err := q.idProvider.NewID()
	if err != nil {
		return Entry{}, fmt.Errorf("playqueue: entry id: %w", err)
	}

	q.nextSeq++
	entry := Entry{
		ID:         entryID,
		Item:       item,
		Paid:       paid,
		Credits:    credits,
		EnqueuedAt: q.clock().UTC(),
		seq:        q.nextSeq,
	}

	position := len(q.entries)
	for index, existing := range q.entries {
		if (paid && !existing.Paid) || (paid == existing.Paid && existing.seq > entry.seq) {
			position = index
			break
		}
	}
	q.entries = append(q.entries, Entry{})
	copy(q.entries[position+1:], q.entries[position:])
	q.entries[position] = entry
	q.totalCredits += credits
	return entry, nil
}

// Pop removes and returns the head entry. The boolean is false when the queue is empty.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	q.totalCredits -= head.Credits
	return head, true
}

// Peek returns the head entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

func (q *Queue) TotalCredits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCredits
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// MaxCredits reports the reservation ceiling.
func (q *Queue) MaxCredits() int {
	return q.maxCredits
}

// Clear discards every entry and returns them in queue order. Reserved credits are not refunded.
func (q *Queue) Clear() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	discarded := q.entries
	q.entries = nil
	q.totalCredits = 0
	return discarded
}

// Snapshot returns a copy of the entries in queue order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Entry, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

// SumCredits totals the reservations of entries.
func SumCredits(entries []Entry) int {
	total := 0
	for _, entry := range entries {
		total += entry.Credits
	}
	return total
}
