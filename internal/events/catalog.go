package events

import "time"

// Name identifies an entry in the closed event catalog.
type Name string

const (
	NameCreditsChanged Name = "credits-changed"
	NameCreditsAdded   Name = "credits-added"
	NameHardwareError  Name = "hardware-error"
	NameSystemLog      Name = "system-log"
	NameEmergencyStop  Name = "emergency-stop"
	NameSystemReset    Name = "system-reset"
	NameVideoSelected  Name = "video-selected"
	NameError          Name = "error"
	NameAdminAccess    Name = "admin-access"
	NameAPIKeyRotated  Name = "api-key-rotated"
)

// Catalog lists every event name the bus accepts.
var Catalog = []Name{
	NameCreditsChanged,
	NameCreditsAdded,
	NameHardwareError,
	NameSystemLog,
	NameEmergencyStop,
	NameSystemReset,
	NameVideoSelected,
	NameError,
	NameAdminAccess,
	NameAPIKeyRotated,
}

// Payload is implemented only by the record types in this file.
type Payload interface {
	EventName() Name
	sealed()
}

// Event is a single emission delivered to subscribers.
type Event struct {
	Name      Name
	Payload   Payload
	EmittedAt time.Time
}

// CreditsChanged reports a ledger mutation.
type CreditsChanged struct {
	Total  int    `json:"total"`
	Change int    `json:"change"`
	Reason string `json:"reason"`
}

// CreditsAdded reports credits deposited from a physical or admin source. Amount is what the
// balance rose by; Requested is what the deposit was worth.
type CreditsAdded struct {
	Amount    int    `json:"amount"`
	Requested int    `json:"requested"`
	Total     int    `json:"total"`
	Source    string `json:"source"`
}

// HardwareError reports a coin acceptor or serial link failure.
type HardwareError struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SystemLog is a diagnostic line destined for the admin log view.
type SystemLog struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// EmergencyStop reports that the queue was discarded.
type EmergencyStop struct {
	Reason           string `json:"reason"`
	DiscardedEntries int    `json:"discarded_entries"`
	DiscardedCredits int    `json:"discarded_credits"`
}

// SystemReset reports that the queue and the ledger were zeroed.
type SystemReset struct {
	Reason string `json:"reason"`
}

// VideoSelected reports a committed paid selection.
type VideoSelected struct {
	EntryID string `json:"entry_id"`
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Credits int    `json:"credits"`
	Premium bool   `json:"premium"`
}

// Error is a transient, human-readable status for the patron.
type Error struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AdminAccess reports an admin login attempt.
type AdminAccess struct {
	Subject    string `json:"subject"`
	Granted    bool   `json:"granted"`
	RemoteAddr string `json:"remote_addr"`
}

// APIKeyRotated reports a replaced API key by fingerprint only.
type APIKeyRotated struct {
	Fingerprint string `json:"fingerprint"`
}

func (CreditsChanged) EventName() Name { return NameCreditsChanged }
func (CreditsAdded) EventName() Name   { return NameCreditsAdded }
func (HardwareError) EventName() Name  { return NameHardwareError }
func (SystemLog) EventName() Name      { return NameSystemLog }
func (EmergencyStop) EventName() Name  { return NameEmergencyStop }
func (SystemReset) EventName() Name    { return NameSystemReset }
func (VideoSelected) EventName() Name  { return NameVideoSelected }
func (Error) EventName() Name          { return NameError }
func (AdminAccess) EventName() Name    { return NameAdminAccess }
func (APIKeyRotated) EventName() Name  { return NameAPIKeyRotated }

func (CreditsChanged) sealed() {}
func (CreditsAdded) sealed()   {}
func (HardwareError) sealed()  {}
func (SystemLog) sealed()      {}
func (EmergencyStop) sealed()  {}
func (SystemReset) sealed()    {}
func (VideoSelected) sealed()  {}
func (Error) sealed()          {}
func (AdminAccess) sealed()    {}
func (APIKeyRotated) sealed()  {}
