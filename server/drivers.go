package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"racebot/pkg/racebot"

	"github.com/gorilla/mux"
)

const (
	maxNicknameLength = 64
	maxBodySize       = 4 << 10
)

// preferenceUpdate is a partial update; nil fields are left unchanged.
type preferenceUpdate struct {
	Nickname            *string `json:"nickname"`
	AllowNicknameReveal *bool   `json:"allow_nickname_reveal"`
	AllowRaceAlerts     *bool   `json:"allow_race_alerts"`
	AllowOnlineQuery    *bool   `json:"allow_online_query"`
}

func (u *preferenceUpdate) validate() error {
	if u.Nickname == nil {
		return nil
	}
	n := strings.TrimSpace(*u.Nickname)
	if utf8.RuneCountInString(n) > maxNicknameLength {
		return errors.New("nickname too long")
	}
	for _, r := range n {
		if r < 32 || r == 127 {
			return errors.New("nickname contains control characters")
		}
	}
	return nil
}

func (u *preferenceUpdate) apply(d *racebot.Driver) {
	if u.Nickname != nil {
		d.Nickname = strings.TrimSpace(*u.Nickname)
	}
	if u.AllowNicknameReveal != nil {
		d.AllowNicknameReveal = u.AllowNicknameReveal
	}
	if u.AllowRaceAlerts != nil {
		d.AllowRaceAlerts = u.AllowRaceAlerts
	}
	if u.AllowOnlineQuery != nil {
		d.AllowOnlineQuery = u.AllowOnlineQuery
	}
}

func driverID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list drivers", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].ID < drivers[j].ID })
	if drivers == nil {
		drivers = []*racebot.Driver{}
	}
	s.writeJSON(w, drivers)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(r)
	if !ok {
		http.Error(w, "Invalid driver id", http.StatusBadRequest)
		return
	}

	d, err := s.store.Load(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Driver not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load driver", "driver_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, d)
}

func (s *Server) handlePutDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(r)
	if !ok {
		http.Error(w, "Invalid driver id", http.StatusBadRequest)
		return
	}

	var update preferenceUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := update.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d, err := s.store.Update(r.Context(), id, update.apply)
	if err != nil {
		s.logger.Error("Failed to update driver preferences", "driver_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Driver preferences updated", "driver_id", id)
	s.writeJSON(w, d)
}
