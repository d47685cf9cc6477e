// Package poll drives the fetch, merge, plan and dispatch cycle.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"racebot/pkg/racebot"
	"racebot/registry"

	"github.com/google/uuid"
)

// catalogRefreshInterval is how often Run reloads season reference data.
const catalogRefreshInterval = 24 * time.Hour

// Fetcher retrieves the current driver snapshot.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, onlineOnly bool) ([]racebot.DriverPayload, error)
}

// Merger folds a snapshot into driver state.
type Merger interface {
	Merge(ctx context.Context, snapshot []racebot.DriverPayload) registry.MergeReport
}

// Planner selects the messages a channel should receive.
type Planner interface {
	PlanMessages(ctx context.Context, channelID string, cfg racebot.AlertConfig) []string
}

// Dispatcher delivers a message to a channel.
type Dispatcher interface {
	Send(ctx context.Context, channelID, text string) error
}

// Refresher reloads reference data.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Channel is an output channel with its alert categories.
type Channel struct {
	ID     string
	Alerts racebot.AlertConfig
}

// Monitor runs poll cycles. Cycles are serialized.
type Monitor struct {
	fetcher    Fetcher
	merger     Merger
	planner    Planner
	dispatcher Dispatcher
	refresher  Refresher
	logger     *slog.Logger
	channels   []Channel
	mu         sync.Mutex
	onlineOnly bool
}

// New creates a new poll monitor. Channels are planned in the order given.
func New(fetcher Fetcher, merger Merger, planner Planner, dispatcher Dispatcher, channels []Channel, onlineOnly bool, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:    fetcher,
		merger:     merger,
		planner:    planner,
		dispatcher: dispatcher,
		logger:     logger,
		channels:   channels,
		onlineOnly: onlineOnly,
	}
}

// SetRefresher configures the reference data reloaded by Run.
func (m *Monitor) SetRefresher(r Refresher) {
	m.refresher = r
}

// CheckAll runs one cycle. A failed fetch leaves driver state untouched.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With("cycle_id", uuid.NewString())
	start := time.Now()

	snapshot, err := m.fetcher.FetchSnapshot(ctx, m.onlineOnly)
	if err != nil {
		logger.Warn("Snapshot fetch failed, skipping cycle", "error", err)
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	report := m.merger.Merge(ctx, snapshot)
	logger.Info("Snapshot merged",
		"drivers", len(snapshot),
		"discarded", report.Discarded,
		"new", report.New,
		"sessions_changed", report.SessionsChanged)

	var sent, failed int
	for _, ch := range m.channels {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping poll cycle", "error", err)
			return err
		}

		for _, msg := range m.planner.PlanMessages(ctx, ch.ID, ch.Alerts) {
			if err := m.dispatcher.Send(ctx, ch.ID, msg); err != nil {
				logger.Warn("Failed to dispatch alert", "channel", ch.ID, "error", err)
				failed++
				continue
			}
			sent++
		}
	}

	logger.Info("Poll cycle completed",
		"channels", len(m.channels),
		"sent", sent,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Run polls every interval until ctx is done. The first cycle runs immediately.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.refresh(ctx)
	m.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	refreshTicker := time.NewTicker(catalogRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop stopped", "error", ctx.Err())
			return
		case <-refreshTicker.C:
			m.refresh(ctx)
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	if err := m.CheckAll(ctx); err != nil {
		m.logger.Error("Poll cycle failed", "error", err)
	}
}

func (m *Monitor) refresh(ctx context.Context) {
	if m.refresher == nil {
		return
	}
	if err := m.refresher.Refresh(ctx); err != nil {
		m.logger.Warn("Reference data refresh failed, keeping previous data", "error", err)
	}
}
