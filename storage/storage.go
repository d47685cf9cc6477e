// Package storage handles persistence of driver preferences.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"racebot/pkg/racebot"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

var errNotExist = errors.New("storage: object doesn't exist")

// Store handles driver preference persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex // Serializes read-modify-write updates
}

// New creates a new storage handler. When localPath is set, objects are kept
// as files in that directory and client may be nil.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// DriverKey generates the object name for a driver.
func DriverKey(driverID int) string {
	if driverID <= 0 {
		return ""
	}
	return fmt.Sprintf("driver-%d.json", driverID)
}

func driverIDFromKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "driver-") || !strings.HasSuffix(key, ".json") {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "driver-"), ".json"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save saves a driver record.
func (s *Store) Save(ctx context.Context, d *racebot.Driver) error {
	key := DriverKey(d.ID)
	if key == "" {
		return errors.New("invalid driver id")
	}
	s.logger.Debug("Saving driver", "key", key, "driver_id", d.ID)

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal driver: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Driver saved to local storage", "path", filePath, "driver_id", d.ID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Driver saved", "key", key, "driver_id", d.ID)
	return nil
}

// Load loads a driver record by ID.
func (s *Store) Load(ctx context.Context, driverID int) (*racebot.Driver, error) {
	key := DriverKey(driverID)
	if key == "" {
		return nil, errors.New("invalid driver id")
	}

	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOptions(ctx, s.logger, "load", key)...,
		)
		if notFound {
			return nil, errNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var d racebot.Driver
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal driver: %w", err)
	}
	return &d, nil
}

// List lists all driver records.
func (s *Store) List(ctx context.Context) ([]*racebot.Driver, error) {
	var drivers []*racebot.Driver

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			id, ok := driverIDFromKey(entry.Name())
			if entry.IsDir() || !ok {
				continue
			}
			d, err := s.Load(ctx, id)
			if err != nil {
				s.logger.Warn("Failed to load driver", "file", entry.Name(), "error", err)
				continue
			}
			drivers = append(drivers, d)
		}
		return drivers, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "driver-",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		id, ok := driverIDFromKey(attrs.Name)
		if !ok {
			continue
		}
		d, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to load driver", "key", attrs.Name, "error", err)
			continue
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}

// UpsertDriver records a driver the first time it is seen. Known drivers are left untouched.
func (s *Store) UpsertDriver(ctx context.Context, driverID int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.Load(ctx, driverID)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("load driver: %w", err)
	}

	now := s.now()
	d := &racebot.Driver{ID: driverID, Name: name, CreatedAt: now, UpdatedAt: now}
	if err := s.Save(ctx, d); err != nil {
		return fmt.Errorf("save new driver: %w", err)
	}
	s.logger.Info("New driver recorded", "driver_id", driverID, "name", name)
	return nil
}

// Update applies fn to a driver record, creating it when missing, and saves the result.
func (s *Store) Update(ctx context.Context, driverID int, fn func(d *racebot.Driver)) (*racebot.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.Load(ctx, driverID)
	if err != nil {
		if !IsNotFound(err) {
			return nil, fmt.Errorf("load driver: %w", err)
		}
		d = &racebot.Driver{ID: driverID, CreatedAt: s.now()}
	}

	fn(d)
	d.ID = driverID
	d.UpdatedAt = s.now()
	if err := s.Save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Profile loads a driver's preferences in one read. An unknown driver is a
// record with nothing set.
func (s *Store) Profile(ctx context.Context, driverID int) (*racebot.Driver, error) {
	d, err := s.Load(ctx, driverID)
	if IsNotFound(err) {
		return &racebot.Driver{ID: driverID}, nil
	}
	return d, err
}

// Nickname returns the driver's opt-in nickname, if any.
func (s *Store) Nickname(ctx context.Context, driverID int) (string, bool, error) {
	d, err := s.Profile(ctx, driverID)
	if err != nil {
		return "", false, err
	}
	return d.Nickname, d.Nickname != "", nil
}

// SetNickname stores a nickname. An empty nickname withdraws consent to be named.
func (s *Store) SetNickname(ctx context.Context, driverID int, nickname string) error {
	_, err := s.Update(ctx, driverID, func(d *racebot.Driver) {
		d.Nickname = strings.TrimSpace(nickname)
	})
	return err
}

// AllowNicknameReveal reports whether the driver's real name may be shown next to the nickname.
func (s *Store) AllowNicknameReveal(ctx context.Context, driverID int) (racebot.Permission, error) {
	d, err := s.Profile(ctx, driverID)
	if err != nil {
		return racebot.PermissionUnset, err
	}
	return racebot.PermissionOf(d.AllowNicknameReveal), nil
}

// AllowRaceAlerts reports whether the driver may appear in session alerts.
func (s *Store) AllowRaceAlerts(ctx context.Context, driverID int) (racebot.Permission, error) {
	d, err := s.Profile(ctx, driverID)
	if err != nil {
		return racebot.PermissionUnset, err
	}
	return racebot.PermissionOf(d.AllowRaceAlerts), nil
}

// AllowOnlineQuery reports whether the driver may appear in online listings.
func (s *Store) AllowOnlineQuery(ctx context.Context, driverID int) (racebot.Permission, error) {
	d, err := s.Profile(ctx, driverID)
	if err != nil {
		return racebot.PermissionUnset, err
	}
	return racebot.PermissionOf(d.AllowOnlineQuery), nil
}

// SetAllowNicknameReveal stores the nickname reveal flag.
func (s *Store) SetAllowNicknameReveal(ctx context.Context, driverID int, allow bool) error {
	_, err := s.Update(ctx, driverID, func(d *racebot.Driver) { d.AllowNicknameReveal = &allow })
	return err
}

// SetAllowRaceAlerts stores the race alert flag.
func (s *Store) SetAllowRaceAlerts(ctx context.Context, driverID int, allow bool) error {
	_, err := s.Update(ctx, driverID, func(d *racebot.Driver) { d.AllowRaceAlerts = &allow })
	return err
}

// SetAllowOnlineQuery stores the online query flag.
func (s *Store) SetAllowOnlineQuery(ctx context.Context, driverID int, allow bool) error {
	_, err := s.Update(ctx, driverID, func(d *racebot.Driver) { d.AllowOnlineQuery = &allow })
	return err
}

// IsNotFound checks if an error indicates a driver record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotExist)
}
