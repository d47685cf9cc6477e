// Package classify derives session types and detects race slots held as practice sessions.
package classify

import (
	"racebot/pkg/racebot"
	"time"
)

// PreRaceThreshold is how long a driver must sit registered-but-not-joined in a
// practice session before it is treated as a held race slot.
const PreRaceThreshold = 180 * time.Second

// Classify folds a new observation into the driver's previous session chain.
// A different sub-session starts a fresh chain; the same sub-session is updated in place.
func Classify(rec racebot.SessionRecord, prev *racebot.ClassifiedSession) *racebot.ClassifiedSession {
	if prev == nil || !sameSession(prev.Latest, rec) {
		return &racebot.ClassifiedSession{
			Latest:  rec,
			Anchor:  rec,
			PreRace: racebot.Undetermined,
		}
	}

	prev.Latest = rec
	if prev.PreRace == racebot.Undetermined && heldRaceSlot(prev.Anchor, rec) {
		prev.PreRace = racebot.ConfirmedPreRace
	}
	return prev
}

// sameSession reports whether two observations belong to one session instance.
// A zero sub-session ID is absent and never matches; when both are absent the
// session IDs decide.
func sameSession(a, b racebot.SessionRecord) bool {
	if a.SubSessionID != 0 || b.SubSessionID != 0 {
		return a.SubSessionID == b.SubSessionID && a.SubSessionID != 0
	}
	return a.SessionID != 0 && a.SessionID == b.SessionID
}

// heldRaceSlot reports whether a practice registration looks like the service
// holding a slot for a driver who registered for a race but has not joined yet.
func heldRaceSlot(anchor, current racebot.SessionRecord) bool {
	if current.EventType != racebot.EventPractice {
		return false
	}
	if anchor.Registration != racebot.RegisteredNotJoined {
		return false
	}
	// Sub uses the monotonic clock reading when both instants carry one.
	if current.ObservedAt.Sub(anchor.ObservedAt) < PreRaceThreshold {
		return false
	}
	return current.Registration == racebot.RegisteredNotJoined
}

// IsRace reports whether the session should be announced as a race.
func IsRace(cs *racebot.ClassifiedSession) bool {
	return cs.Latest.EventType == racebot.EventRace || cs.IsPotentialPreRacePractice()
}

// Label returns the display label for the session's effective type.
func Label(cs *racebot.ClassifiedSession) string {
	switch cs.Latest.EventType {
	case racebot.EventRace:
		return "Race"
	case racebot.EventPractice:
		if cs.IsPotentialPreRacePractice() {
			return "Race"
		}
		return "Practice Session"
	case racebot.EventTest:
		return "Test Session"
	case racebot.EventQualify:
		return "Qualifying Session"
	case racebot.EventTimeTrial:
		return "Time Trial"
	default:
		return "Session"
	}
}
