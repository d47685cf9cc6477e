// Package racebot contains the core domain types for the race alert service.
package racebot

import "time"

// EventType is the kind of session a driver is registered for.
type EventType int

// Event types as reported by the racing service.
const (
	EventTest      EventType = 1
	EventPractice  EventType = 2
	EventQualify   EventType = 3
	EventTimeTrial EventType = 4
	EventRace      EventType = 5
)

// RegistrationStatus describes how far a driver has progressed into a session.
type RegistrationStatus int

// Registration states.
const (
	RegistrationUnknown RegistrationStatus = iota
	RegisteredNotJoined
	Joined
)

func (r RegistrationStatus) String() string {
	switch r {
	case RegisteredNotJoined:
		return "registered_not_joined"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Presence is decided once by the decoder: a driver is either hidden or visible
// with a last-seen timestamp.
type Presence struct {
	lastSeen int64
	hidden   bool
}

// Hidden returns the presence of a driver who hides their online status.
func Hidden() Presence {
	return Presence{hidden: true}
}

// Visible returns the presence of a driver last seen at the given service timestamp.
func Visible(lastSeen int64) Presence {
	return Presence{lastSeen: lastSeen}
}

// IsHidden reports whether the driver hides their status.
func (p Presence) IsHidden() bool { return p.hidden }

// LastSeen returns the raw last-seen timestamp (zero when hidden).
func (p Presence) LastSeen() int64 { return p.lastSeen }

// Online reports whether the driver counts as online. Hidden drivers never do.
func (p Presence) Online() bool {
	return !p.hidden && p.lastSeen > 0
}

// SessionRecord is one driver's session snapshot at a single poll instant.
type SessionRecord struct {
	ObservedAt   time.Time          // Stamped by the registry, carries a monotonic reading
	SessionID    int64              // Opaque session identifier
	SubSessionID int64              // Stable identifier of one session instance
	SeriesID     int                // Series the session belongs to
	EventType    EventType          // Test, practice, qualify, time trial or race
	Registration RegistrationStatus // Registered but not joined, joined, or unknown
}

// DriverPayload is one decoded entry of a snapshot.
type DriverPayload struct {
	Session  *SessionRecord // nil when the driver is not in a session
	Name     string
	Presence Presence
	DriverID int
}

// Valid reports whether the payload carries every required field.
func (p DriverPayload) Valid() bool {
	return p.DriverID > 0 && p.Name != ""
}

// PreRaceState is the two-state machine behind the pre-race practice heuristic.
type PreRaceState int

// Pre-race states. The only transition is Undetermined -> ConfirmedPreRace.
const (
	Undetermined PreRaceState = iota
	ConfirmedPreRace
)

// ClassifiedSession is the chain of observations of one sub-session.
type ClassifiedSession struct {
	Latest  SessionRecord // Most recent observation
	Anchor  SessionRecord // First observation of this sub-session, time anchor for the heuristic
	PreRace PreRaceState
}

// SubSessionID returns the chain key.
func (c *ClassifiedSession) SubSessionID() int64 {
	return c.Latest.SubSessionID
}

// IsPotentialPreRacePractice reports whether the chain has been confirmed as a held race slot.
func (c *ClassifiedSession) IsPotentialPreRacePractice() bool {
	return c.PreRace == ConfirmedPreRace
}

// DriverState is the per-driver aggregate owned by the registry.
type DriverState struct {
	Session     *ClassifiedSession  // Current session, nil when not in one
	broadcasted map[string]struct{} // Channels already told about Session
	DisplayName string
	DriverID    int
	Online      bool
}

// HasBroadcast reports whether the current session was already announced to channel.
func (d *DriverState) HasBroadcast(channel string) bool {
	_, ok := d.broadcasted[channel]
	return ok
}

// MarkBroadcast records that the current session was announced to channel.
func (d *DriverState) MarkBroadcast(channel string) {
	if d.broadcasted == nil {
		d.broadcasted = make(map[string]struct{})
	}
	d.broadcasted[channel] = struct{}{}
}

// ResetBroadcasts forgets every announcement. Called when the session changes or ends.
func (d *DriverState) ResetBroadcasts() {
	d.broadcasted = nil
}

// BroadcastCount returns how many channels were told about the current session.
func (d *DriverState) BroadcastCount() int {
	return len(d.broadcasted)
}

// Clone returns a deep copy that can be read without holding the registry lock.
func (d *DriverState) Clone() *DriverState {
	c := *d
	if d.Session != nil {
		s := *d.Session
		c.Session = &s
	}
	if d.broadcasted != nil {
		c.broadcasted = make(map[string]struct{}, len(d.broadcasted))
		for ch := range d.broadcasted {
			c.broadcasted[ch] = struct{}{}
		}
	}
	return &c
}

// Permission is a tri-state privacy flag read from the preference store.
type Permission int

// Permission values. Unset means the driver never expressed a preference.
const (
	PermissionUnset Permission = iota
	PermissionAllowed
	PermissionDenied
)

// Granted applies the default-permissive policy: only an explicit denial withholds.
func (p Permission) Granted() bool {
	return p != PermissionDenied
}

func (p Permission) String() string {
	switch p {
	case PermissionAllowed:
		return "allowed"
	case PermissionDenied:
		return "denied"
	default:
		return "unset"
	}
}

// PermissionOf converts an optional stored flag into a Permission.
func PermissionOf(v *bool) Permission {
	switch {
	case v == nil:
		return PermissionUnset
	case *v:
		return PermissionAllowed
	default:
		return PermissionDenied
	}
}

// AlertConfig holds a channel's alert switches.
type AlertConfig struct {
	RaceAlerts    bool `yaml:"race_alerts"`
	NonRaceAlerts bool `yaml:"non_race_alerts"`
}

// Driver is the persisted preference record for one driver.
type Driver struct {
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	AllowNicknameReveal *bool     `json:"allow_nickname_reveal,omitempty"` // nil = never set
	AllowRaceAlerts     *bool     `json:"allow_race_alerts,omitempty"`     // nil = never set
	AllowOnlineQuery    *bool     `json:"allow_online_query,omitempty"`    // nil = never set
	Name                string    `json:"name"`                            // Raw name from the service
	Nickname            string    `json:"nickname,omitempty"`              // Opt-in display name
	ID                  int       `json:"driver_id"`
}
