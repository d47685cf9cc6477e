package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"racebot/pkg/racebot"
)

const noRacers = "No one is racing :("

// commaAndify joins names as "A", "A and B" or "A, B, and C".
func commaAndify(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}

// displayName picks how a driver is shown, or false to hide them.
// Unset flags are permissive: only an explicit denial hides or withholds the raw name.
func (s *Server) displayName(ctx context.Context, d *racebot.DriverState) (string, bool) {
	prefs, err := s.store.Profile(ctx, d.DriverID)
	if err != nil {
		s.logger.Warn("Failed to read driver preferences, hiding driver", "driver_id", d.DriverID, "error", err)
		return "", false
	}
	if !racebot.PermissionOf(prefs.AllowOnlineQuery).Granted() {
		return "", false
	}

	if prefs.Nickname == "" {
		return d.DisplayName, d.DisplayName != ""
	}
	if racebot.PermissionOf(prefs.AllowNicknameReveal).Granted() && d.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", prefs.Nickname, d.DisplayName), true
	}
	return prefs.Nickname, true
}

// racersReply builds the online listing text.
func (s *Server) racersReply(ctx context.Context) string {
	var names []string
	for _, d := range s.drivers.Online() {
		if name, ok := s.displayName(ctx, d); ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return noRacers
	}
	return "We found " + commaAndify(names)
}

func (s *Server) handleRacers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := fmt.Fprint(w, s.racersReply(r.Context())); err != nil {
		s.logger.Warn("Failed to write racers response", "error", err)
	}
}
