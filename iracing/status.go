package iracing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"racebot/pkg/racebot"
	"strings"
)

type statusResponse struct {
	Racers []racerJSON `json:"fsRacers"`
}

type racerJSON struct {
	Hidden       *bool  `json:"hidden"`
	Name         string `json:"name"`
	RegStatus    string `json:"regStatus"`
	CustID       int    `json:"custid"`
	LastSeen     int64  `json:"lastSeen"`
	SessionID    int64  `json:"sessionId"`
	SubSessionID int64  `json:"subSessionId"`
	EventTypeID  int    `json:"eventTypeId"`
	SeriesID     int    `json:"seriesId"`
}

// DecodeStatus parses a GetDriverStatus response body into snapshot payloads.
// Entries missing required fields are passed through for the registry to discard.
func DecodeStatus(r io.Reader) ([]racebot.DriverPayload, error) {
	var resp statusResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}

	payloads := make([]racebot.DriverPayload, 0, len(resp.Racers))
	for _, racer := range resp.Racers {
		payloads = append(payloads, racer.payload())
	}
	return payloads, nil
}

func (r racerJSON) payload() racebot.DriverPayload {
	p := racebot.DriverPayload{
		DriverID: r.CustID,
		Name:     decodeName(r.Name),
		Presence: racebot.Visible(r.LastSeen),
	}
	// The service only sends the key for drivers who hide their status.
	if r.Hidden != nil && *r.Hidden {
		p.Presence = racebot.Hidden()
	}
	if r.SessionID != 0 {
		p.Session = &racebot.SessionRecord{
			SessionID:    r.SessionID,
			SubSessionID: r.SubSessionID,
			SeriesID:     r.SeriesID,
			EventType:    racebot.EventType(r.EventTypeID),
			Registration: registrationFromWire(r.RegStatus),
		}
	}
	return p
}

// decodeName undoes the site's form encoding of driver names ("John+Smith").
func decodeName(raw string) string {
	name, err := url.QueryUnescape(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(name)
}

func registrationFromWire(s string) racebot.RegistrationStatus {
	switch strings.ToLower(s) {
	case "reg_not_joined", "registered":
		return racebot.RegisteredNotJoined
	case "joined", "in_session":
		return racebot.Joined
	default:
		return racebot.RegistrationUnknown
	}
}
