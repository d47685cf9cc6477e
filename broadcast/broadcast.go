// Package broadcast decides which driver sessions each channel should hear about.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"racebot/classify"
	"racebot/pkg/racebot"
	"strings"
)

// Preferences reads driver privacy settings. Reads happen on every plan so
// operator edits take effect on the next cycle.
type Preferences interface {
	// Profile returns the driver's stored preferences; unknown drivers have nothing set.
	Profile(ctx context.Context, driverID int) (*racebot.Driver, error)
}

// Seasons supplies cosmetic series descriptions.
type Seasons interface {
	SeasonDescription(seriesID int) (string, bool)
}

// Drivers gives exclusive access to tracked driver state.
type Drivers interface {
	Update(fn func(drivers []*racebot.DriverState))
}

// Planner produces alert messages and records which channels were told.
type Planner struct {
	drivers Drivers
	prefs   Preferences
	seasons Seasons
	logger  *slog.Logger
}

// New creates a planner. seasons may be nil.
func New(drivers Drivers, prefs Preferences, seasons Seasons, logger *slog.Logger) *Planner {
	return &Planner{
		drivers: drivers,
		prefs:   prefs,
		seasons: seasons,
		logger:  logger,
	}
}

// PlanMessages returns the alerts channelID has not yet received, ordered by
// driver ID, and marks them as sent. A second call with no merge in between
// returns nothing.
func (p *Planner) PlanMessages(ctx context.Context, channelID string, cfg racebot.AlertConfig) []string {
	if !cfg.RaceAlerts && !cfg.NonRaceAlerts {
		return nil
	}

	var messages []string
	p.drivers.Update(func(drivers []*racebot.DriverState) {
		for _, d := range drivers {
			if d.Session == nil || d.HasBroadcast(channelID) {
				continue
			}

			isRace := classify.IsRace(d.Session)
			if isRace && !cfg.RaceAlerts || !isRace && !cfg.NonRaceAlerts {
				continue
			}

			nickname, ok := p.consented(ctx, d.DriverID)
			if !ok {
				continue
			}

			messages = append(messages, p.format(nickname, d.Session))
			d.MarkBroadcast(channelID)
			p.logger.Info("Alert planned",
				"channel", channelID,
				"driver_id", d.DriverID,
				"sub_session_id", d.Session.SubSessionID(),
				"race", isRace)
		}
	})
	return messages
}

// consented returns the driver's nickname when every privacy gate allows an
// alert. All gates are judged from one read of the record; a failed read denies.
func (p *Planner) consented(ctx context.Context, driverID int) (string, bool) {
	prefs, err := p.prefs.Profile(ctx, driverID)
	if err != nil {
		p.logger.Warn("Failed to read driver preferences, withholding alert", "driver_id", driverID, "error", err)
		return "", false
	}
	if !racebot.PermissionOf(prefs.AllowOnlineQuery).Granted() || !racebot.PermissionOf(prefs.AllowRaceAlerts).Granted() {
		return "", false
	}
	// No nickname means the driver never opted in to being named.
	if prefs.Nickname == "" {
		return "", false
	}
	return prefs.Nickname, true
}

func (p *Planner) format(nickname string, cs *racebot.ClassifiedSession) string {
	verb := "is in a"
	if cs.Latest.Registration == racebot.RegisteredNotJoined {
		verb = "is registered for a"
	}
	msg := fmt.Sprintf("%s %s %s", nickname, verb, strings.ToLower(classify.Label(cs)))

	if p.seasons != nil {
		if desc, ok := p.seasons.SeasonDescription(cs.Latest.SeriesID); ok && desc != "" {
			msg += fmt.Sprintf(" (%s)", desc)
		}
	}
	return msg
}
