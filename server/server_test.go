package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"racebot/pkg/racebot"
	"racebot/registry"
	"racebot/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePoller struct {
	err   error
	calls int
}

func (p *fakePoller) CheckAll(context.Context) error {
	p.calls++
	return p.err
}

type fixture struct {
	store  *storage.Store
	reg    *registry.Registry
	poller *fakePoller
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.New(nil, "", t.TempDir(), testLogger()),
		poller: &fakePoller{},
	}
	f.reg = registry.New(f.store, testLogger())
	s := New(&Config{
		Store:      f.store,
		Drivers:    f.reg,
		Poller:     f.poller,
		Logger:     testLogger(),
		IsNotFound: storage.IsNotFound,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) online(t *testing.T, names map[int]string) {
	t.Helper()
	var snapshot []racebot.DriverPayload
	for id, name := range names {
		snapshot = append(snapshot, racebot.DriverPayload{DriverID: id, Name: name, Presence: racebot.Visible(1)})
	}
	f.reg.Merge(context.Background(), snapshot)
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(data)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK || body != `{"status":"healthy"}` {
		t.Errorf("GET /health = %d %q", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/health", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", code)
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/pollz", "")
	if code != http.StatusOK || body != `{"status":"completed"}` {
		t.Errorf("POST /pollz = %d %q", code, body)
	}

	f.poller.err = errors.New("fetch snapshot: timeout")
	if code, _ := f.do(t, http.MethodPost, "/pollz", ""); code != http.StatusInternalServerError {
		t.Errorf("failed POST /pollz = %d, want 500", code)
	}
	if f.poller.calls != 2 {
		t.Errorf("poller calls = %d, want 2", f.poller.calls)
	}
}

func TestCommaAndify(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"A"}, "A"},
		{[]string{"A", "B"}, "A and B"},
		{[]string{"A", "B", "C"}, "A, B, and C"},
		{[]string{"A", "B", "C", "D"}, "A, B, C, and D"},
	}
	for _, tt := range tests {
		if got := commaAndify(tt.in); got != tt.want {
			t.Errorf("commaAndify(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRacersEmpty(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/racers", "")
	if code != http.StatusOK || body != "No one is racing :(" {
		t.Errorf("GET /racers = %d %q", code, body)
	}
}

func TestRacersPrivacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, map[int]string{1: "Alice Raw", 2: "Bob Raw", 3: "Carol Raw", 4: "Dan Raw", 5: "Eve Raw"})

	// 1: reveal allowed, 2: reveal unset, 3: opted out, 4: nothing set, 5: reveal denied.
	if err := f.store.SetNickname(ctx, 1, "Ace"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetAllowNicknameReveal(ctx, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetNickname(ctx, 2, "Bee"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetAllowOnlineQuery(ctx, 3, false); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetNickname(ctx, 5, "Eagle"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetAllowNicknameReveal(ctx, 5, false); err != nil {
		t.Fatal(err)
	}

	_, body := f.do(t, http.MethodGet, "/racers", "")
	want := "We found Ace (Alice Raw), Bee (Bob Raw), Dan Raw, and Eagle"
	if body != want {
		t.Errorf("GET /racers = %q, want %q", body, want)
	}
}

func TestGetDriver(t *testing.T) {
	f := newFixture(t)
	if code, _ := f.do(t, http.MethodGet, "/drivers/42", ""); code != http.StatusNotFound {
		t.Errorf("GET unknown driver = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/drivers/abc", ""); code != http.StatusBadRequest {
		t.Errorf("GET bad id = %d, want 400", code)
	}

	f.online(t, map[int]string{42: "Raw Name"})
	code, body := f.do(t, http.MethodGet, "/drivers/42", "")
	if code != http.StatusOK {
		t.Fatalf("GET /drivers/42 = %d %q", code, body)
	}
	var d racebot.Driver
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ID != 42 || d.Name != "Raw Name" {
		t.Errorf("driver = %+v", d)
	}
}

func TestPutDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, body := f.do(t, http.MethodPut, "/drivers/7", `{"nickname":"  Speedy  ","allow_race_alerts":false}`)
	if code != http.StatusOK {
		t.Fatalf("PUT /drivers/7 = %d %q", code, body)
	}

	nick, ok, err := f.store.Nickname(ctx, 7)
	if err != nil || !ok || nick != "Speedy" {
		t.Errorf("Nickname() = %q, %v, %v", nick, ok, err)
	}
	if p, _ := f.store.AllowRaceAlerts(ctx, 7); p != racebot.PermissionDenied {
		t.Errorf("AllowRaceAlerts() = %v, want denied", p)
	}
	if p, _ := f.store.AllowOnlineQuery(ctx, 7); p != racebot.PermissionUnset {
		t.Errorf("AllowOnlineQuery() = %v, want unset", p)
	}

	// Partial update leaves the nickname alone.
	if code, _ := f.do(t, http.MethodPut, "/drivers/7", `{"allow_online_query":true}`); code != http.StatusOK {
		t.Fatalf("second PUT = %d", code)
	}
	if nick, _, _ := f.store.Nickname(ctx, 7); nick != "Speedy" {
		t.Errorf("nickname after partial update = %q", nick)
	}
}

func TestPutDriverBadInput(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"bad id", "/drivers/-1", `{}`},
		{"not json", "/drivers/7", `nickname=x`},
		{"unknown field", "/drivers/7", `{"email":"x@example.com"}`},
		{"control chars", "/drivers/7", `{"nickname":"a\nb"}`},
		{"too long", "/drivers/7", `{"nickname":"` + strings.Repeat("x", 65) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if code, body := f.do(t, http.MethodPut, tt.path, tt.body); code != http.StatusBadRequest {
				t.Errorf("PUT %s = %d %q, want 400", tt.path, code, body)
			}
		})
	}
}

func TestListDrivers(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/drivers", "")
	if code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Errorf("GET /drivers = %d %q, want empty list", code, body)
	}

	f.online(t, map[int]string{9: "Nine", 3: "Three"})
	_, body = f.do(t, http.MethodGet, "/drivers", "")
	var drivers []racebot.Driver
	if err := json.Unmarshal([]byte(body), &drivers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(drivers) != 2 || drivers[0].ID != 3 || drivers[1].ID != 9 {
		t.Errorf("drivers = %+v, want ids 3 and 9", drivers)
	}
}
