// Package scraper extracts reference data (series and seasons) from the member home page.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

var seasonListingRegex = regexp.MustCompile(`SeasonListing\s*=\s*extractJSON\('((?:[^'\\]|\\.)*)'\)`)

// Season is one entry of the season listing.
type Season struct {
	SeriesName string `json:"seriesname"`
	ShortName  string `json:"seasonname_short"`
	SeriesID   int    `json:"seriesid"`
	SeasonID   int    `json:"seasonid"`
}

// Description returns the best label for the season.
func (s Season) Description() string {
	name := s.ShortName
	if name == "" {
		name = s.SeriesName
	}
	name, err := url.QueryUnescape(name)
	if err != nil {
		return s.ShortName
	}
	return strings.TrimSpace(name)
}

// Fetcher loads the raw home page.
type Fetcher interface {
	FetchMainPage(ctx context.Context) ([]byte, error)
}

// Catalog maps series IDs to season descriptions. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	seasons map[int]Season
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{seasons: make(map[int]Season)}
}

// Parse builds a catalog from a home page.
func Parse(body io.Reader) (*Catalog, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var raw string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := seasonListingRegex.FindStringSubmatch(s.Text()); m != nil {
			raw = m[1]
			return false
		}
		return true
	})
	if raw == "" {
		return nil, errors.New("season listing not found")
	}

	var seasons []Season
	if err := json.Unmarshal([]byte(strings.ReplaceAll(raw, `\'`, `'`)), &seasons); err != nil {
		return nil, fmt.Errorf("unmarshal season listing: %w", err)
	}

	c := NewCatalog()
	for _, s := range seasons {
		if s.SeriesID > 0 {
			c.seasons[s.SeriesID] = s
		}
	}
	return c, nil
}

// SeasonDescription returns the description for a series, if known.
func (c *Catalog) SeasonDescription(seriesID int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.seasons[seriesID]
	if !ok {
		return "", false
	}
	desc := s.Description()
	return desc, desc != ""
}

// Len returns the number of known series.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seasons)
}

// Refresh reloads the catalog from the home page. On failure the previous
// contents are kept.
func (c *Catalog) Refresh(ctx context.Context, fetcher Fetcher, logger *slog.Logger) error {
	body, err := fetcher.FetchMainPage(ctx)
	if err != nil {
		return fmt.Errorf("fetch main page: %w", err)
	}
	fresh, err := Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse main page: %w", err)
	}

	c.mu.Lock()
	c.seasons = fresh.seasons
	c.mu.Unlock()

	logger.Info("Season catalog refreshed", "series", len(fresh.seasons))
	return nil
}
