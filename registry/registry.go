// Package registry tracks per-driver session state across snapshots.
package registry

import (
	"context"
	"log/slog"
	"racebot/classify"
	"racebot/pkg/racebot"
	"sort"
	"sync"
	"time"
)

// Store persists driver identities.
type Store interface {
	UpsertDriver(ctx context.Context, driverID int, name string) error
}

// MergeReport summarizes one merge pass.
type MergeReport struct {
	Merged          int // Payloads folded into driver state
	Discarded       int // Malformed payloads skipped
	New             int // Drivers seen for the first time
	WentOffline     int // Known drivers missing from the snapshot
	SessionsChanged int // Drivers whose sub-session started, changed or ended
	PersistFailures int // Identity upserts that failed
}

// Registry owns the driverID -> DriverState mapping. Merge is the only path
// that changes session state.
type Registry struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	drivers map[int]*racebot.DriverState
	pending map[int]bool // Drivers whose identity upsert failed, retried on the next merge
	mu      sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the clock used to stamp observations.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(store Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		logger:  logger,
		now:     time.Now,
		drivers: make(map[int]*racebot.DriverState),
		pending: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge folds a successfully fetched snapshot into driver state.
// Each payload is merged independently; a bad payload or a failed upsert never
// stops its siblings.
func (r *Registry) Merge(ctx context.Context, snapshot []racebot.DriverPayload) MergeReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	observedAt := r.now()
	seen := make(map[int]bool, len(snapshot))
	var report MergeReport

	for i := range snapshot {
		p := snapshot[i]
		if !p.Valid() {
			r.logger.Warn("Discarding malformed driver record", "index", i, "driver_id", p.DriverID)
			report.Discarded++
			continue
		}
		seen[p.DriverID] = true

		state, ok := r.drivers[p.DriverID]
		if !ok {
			state = &racebot.DriverState{DriverID: p.DriverID}
			r.drivers[p.DriverID] = state
			report.New++
		}
		if !ok || r.pending[p.DriverID] {
			if err := r.store.UpsertDriver(ctx, p.DriverID, p.Name); err != nil {
				r.logger.Warn("Failed to persist driver identity", "driver_id", p.DriverID, "error", err)
				r.pending[p.DriverID] = true
				report.PersistFailures++
			} else {
				delete(r.pending, p.DriverID)
			}
		}

		state.DisplayName = p.Name
		state.Online = p.Presence.Online()
		if r.applySession(state, p.Session, observedAt) {
			report.SessionsChanged++
		}
		report.Merged++
	}

	for id, state := range r.drivers {
		if seen[id] {
			continue
		}
		if state.Online || state.Session != nil {
			report.WentOffline++
		}
		state.Online = false
		if r.applySession(state, nil, observedAt) {
			report.SessionsChanged++
		}
	}

	r.logger.Debug("Snapshot merged",
		"payloads", len(snapshot),
		"merged", report.Merged,
		"discarded", report.Discarded,
		"new", report.New,
		"went_offline", report.WentOffline,
		"sessions_changed", report.SessionsChanged)

	return report
}

// applySession classifies the driver's session and reports whether the
// sub-session changed, resetting broadcast markers when it did.
func (r *Registry) applySession(state *racebot.DriverState, rec *racebot.SessionRecord, observedAt time.Time) bool {
	if rec == nil {
		if state.Session == nil {
			return false
		}
		r.logger.Info("Driver left session",
			"driver_id", state.DriverID,
			"sub_session_id", state.Session.SubSessionID())
		state.Session = nil
		state.ResetBroadcasts()
		return true
	}

	stamped := *rec
	stamped.ObservedAt = observedAt

	prev := state.Session
	wasPreRace := prev != nil && prev.IsPotentialPreRacePractice()
	state.Session = classify.Classify(stamped, prev)

	if prev == nil || prev != state.Session {
		r.logger.Info("Driver entered session",
			"driver_id", state.DriverID,
			"sub_session_id", stamped.SubSessionID,
			"event_type", int(stamped.EventType),
			"registration", stamped.Registration.String())
		state.ResetBroadcasts()
		return true
	}

	if !wasPreRace && state.Session.IsPotentialPreRacePractice() {
		r.logger.Info("Practice registration looks like a held race slot",
			"driver_id", state.DriverID,
			"sub_session_id", stamped.SubSessionID,
			"waited", observedAt.Sub(state.Session.Anchor.ObservedAt).String())
	}
	return false
}

// Update runs fn over every driver, ordered by ID, while holding the merge lock.
// fn may change broadcast markers but must not keep the pointers.
func (r *Registry) Update(fn func(drivers []*racebot.DriverState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.sorted())
}

// Drivers returns copies of every tracked driver, ordered by ID.
func (r *Registry) Drivers() []*racebot.DriverState {
	r.mu.Lock()
	defer r.mu.Unlock()

	drivers := r.sorted()
	out := make([]*racebot.DriverState, len(drivers))
	for i, d := range drivers {
		out[i] = d.Clone()
	}
	return out
}

// Online returns copies of the drivers currently online, ordered by ID.
func (r *Registry) Online() []*racebot.DriverState {
	var out []*racebot.DriverState
	for _, d := range r.Drivers() {
		if d.Online {
			out = append(out, d)
		}
	}
	return out
}

// Driver returns a copy of one driver's state.
func (r *Registry) Driver(id int) (*racebot.DriverState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (r *Registry) sorted() []*racebot.DriverState {
	drivers := make([]*racebot.DriverState, 0, len(r.drivers))
	for _, d := range r.drivers {
		drivers = append(drivers, d)
	}
	sort.Slice(drivers, func(i, j int) bool {
		return drivers[i].DriverID < drivers[j].DriverID
	})
	return drivers
}
