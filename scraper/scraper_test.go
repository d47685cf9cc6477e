package scraper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

const homePage = `<!DOCTYPE html>
<html><head><title>iRacing.com Membersite</title>
<script type="text/javascript">var MemberInfo = {};</script>
<script type="text/javascript">
var SeasonListing = extractJSON('[{"seriesid":139,"seasonid":3001,"seriesname":"Advanced+Mazda+MX-5+Cup+Series","seasonname_short":"Advanced+Mazda+MX-5+Cup"},{"seriesid":74,"seasonid":3002,"seriesname":"Skip+Barber+Race+Series","seasonname_short":""},{"seriesid":0,"seasonid":1,"seriesname":"Broken"}]');
</script>
</head><body></body></html>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(homePage))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	tests := []struct {
		seriesID int
		want     string
		wantOK   bool
	}{
		{139, "Advanced Mazda MX-5 Cup", true},
		{74, "Skip Barber Race Series", true},
		{999, "", false},
	}
	for _, tt := range tests {
		got, ok := c.SeasonDescription(tt.seriesID)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SeasonDescription(%d) = %q, %v; want %q, %v", tt.seriesID, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseWithoutListing(t *testing.T) {
	if _, err := Parse(strings.NewReader("<html><script>var x = 1;</script></html>")); err == nil {
		t.Error("Parse() should fail when the season listing is missing")
	}
}

type fakeFetcher struct {
	body string
	err  error
}

func (f fakeFetcher) FetchMainPage(context.Context) ([]byte, error) {
	return []byte(f.body), f.err
}

func TestRefreshKeepsPreviousOnFailure(t *testing.T) {
	c := NewCatalog()
	ctx := context.Background()

	if err := c.Refresh(ctx, fakeFetcher{body: homePage}, testLogger()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	if err := c.Refresh(ctx, fakeFetcher{err: errors.New("down")}, testLogger()); err == nil {
		t.Error("Refresh() should report fetch failure")
	}
	if err := c.Refresh(ctx, fakeFetcher{body: "<html></html>"}, testLogger()); err == nil {
		t.Error("Refresh() should report parse failure")
	}
	if _, ok := c.SeasonDescription(139); !ok {
		t.Error("failed refresh dropped existing seasons")
	}
}
