// Package iracing talks to the iRacing member site: login, driver status and reference pages.
package iracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"racebot/pkg/racebot"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the member site root.
const DefaultBaseURL = "https://members.iracing.com"

const maxBodyBytes = 8 << 20

// ErrNoCredentials is returned when a client is created without a username or password.
var ErrNoCredentials = errors.New("both username and password must be specified")

// AuthRequiredError indicates the site answered with a login page instead of data.
type AuthRequiredError struct {
	URL        string
	StatusCode int
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required (HTTP %d): %s", e.StatusCode, e.URL)
}

// IsAuthRequired checks if an error is an AuthRequiredError.
func IsAuthRequired(err error) bool {
	var auth *AuthRequiredError
	return errors.As(err, &auth)
}

// Client fetches data from the member site, logging in when the session expires.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	username string
	password string
}

// New creates a client with its own cookie jar.
func New(baseURL, username, password string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if username == "" || password == "" {
		return nil, ErrNoCredentials
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		client:   &http.Client{Timeout: timeout, Jar: jar},
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
	}, nil
}

// FetchSnapshot returns the current friends/studied driver list.
func (c *Client) FetchSnapshot(ctx context.Context, onlineOnly bool) ([]racebot.DriverPayload, error) {
	online := "0"
	if onlineOnly {
		online = "1"
	}
	statusURL := c.baseURL + "/membersite/member/GetDriverStatus?friends=1&studied=1&onlineOnly=" + online

	body, err := c.get(ctx, statusURL, "fetch_driver_status")
	if err != nil {
		return nil, fmt.Errorf("fetch driver status: %w", err)
	}

	payloads, err := DecodeStatus(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode driver status: %w", err)
	}

	c.logger.Info("Driver status fetched", "drivers", len(payloads), "online_only", onlineOnly)
	return payloads, nil
}

// FetchMainPage returns the raw member home page, which carries reference data.
func (c *Client) FetchMainPage(ctx context.Context) ([]byte, error) {
	body, err := c.get(ctx, c.baseURL+"/membersite/member/Home.do", "fetch_main_page")
	if err != nil {
		return nil, fmt.Errorf("fetch main page: %w", err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, pageURL, purpose string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			var err error
			body, err = c.request(ctx, pageURL, purpose)
			if err == nil {
				return nil
			}
			if IsAuthRequired(err) {
				c.logger.Info("Session expired, logging in", "url", pageURL)
				if loginErr := c.login(ctx); loginErr != nil {
					return fmt.Errorf("login: %w", loginErr)
				}
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying request after error", "attempt", n, "purpose", purpose, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return body, nil
}

func (c *Client) request(ctx context.Context, pageURL, purpose string) ([]byte, error) {
	c.logger.Debug("HTTP request starting", "method", "GET", "url", pageURL, "purpose", purpose)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(req)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	c.logger.Debug("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"bytes", len(body))

	// Data endpoints answer with JSON; an HTML page means we were bounced to the login form.
	if resp.StatusCode != http.StatusOK || (purpose != "fetch_main_page" && looksLikeHTML(body)) {
		return nil, &AuthRequiredError{URL: pageURL, StatusCode: resp.StatusCode}
	}
	return body, nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username":   {c.username},
		"password":   {c.password},
		"AUTOLOGIN":  {"true"},
		"utcoffset":  {"800"},
		"todaysdate": {""},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/membersite/Login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post login: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close login response body", "error", closeErr)
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Warn("Failed to drain login response", "error", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned HTTP %d", resp.StatusCode)
	}
	c.logger.Info("Logged in", "username", c.username)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Origin", c.baseURL)
}

func looksLikeHTML(body []byte) bool {
	return bytes.Contains(bytes.ToUpper(body), []byte("<HTML"))
}
