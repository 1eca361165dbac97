// Package fares loads and serves the transport fare tables.
//
// Train fares come from a route table keyed by departure/destination; bus,
// taxi and airplane use fixed fares. Tables are loaded once and can be
// reloaded at runtime when the backing files change.
package fares

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/logging"
)

// Transport is a supported mode of travel.
type Transport string

const (
	TransportTrain    Transport = "train"
	TransportBus      Transport = "bus"
	TransportTaxi     Transport = "taxi"
	TransportAirplane Transport = "airplane"
)

// ParseTransport normalizes user input to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "train", "rail":
		return TransportTrain, nil
	case "bus":
		return TransportBus, nil
	case "taxi", "cab":
		return TransportTaxi, nil
	case "airplane", "plane", "flight":
		return TransportAirplane, nil
	default:
		return "", fmt.Errorf("unknown transport %q (expected train, bus, taxi or airplane)", s)
	}
}

// TrainRoute is one row of the train fare table.
type TrainRoute struct {
	Departure   string `json:"departure"`
	Destination string `json:"destination"`
	Fare        int64  `json:"fare"`
}

// trainTable is the on-disk shape of the train fare file.
type trainTable struct {
	Routes []TrainRoute `json:"routes"`
}

// Table is an immutable snapshot of all fare data.
type Table struct {
	TrainRoutes []TrainRoute
	FixedFares  map[Transport]int64
}

// Quote is a priced leg.
type Quote struct {
	Fare int64
	// Method describes how the fare was determined, for the user-facing
	// confirmation.
	Method string
}

// ErrRouteNotFound is wrapped into lookup errors for unknown train routes.
var ErrRouteNotFound = fmt.Errorf("route not found in train fare table")

// Lookup prices a single leg against the snapshot.
func (t *Table) Lookup(departure, destination string, transport Transport) (Quote, error) {
	if transport == TransportTrain {
		for _, r := range t.TrainRoutes {
			if r.Departure == departure && r.Destination == destination {
				return Quote{
					Fare:   r.Fare,
					Method: fmt.Sprintf("train fare table: %s -> %s", departure, destination),
				}, nil
			}
		}
		return Quote{}, fmt.Errorf("%w: %s -> %s", ErrRouteNotFound, departure, destination)
	}

	fare, ok := t.FixedFares[transport]
	if !ok {
		return Quote{}, fmt.Errorf("no fixed fare configured for %s", transport)
	}
	return Quote{Fare: fare, Method: fmt.Sprintf("fixed %s fare", transport)}, nil
}

// Locations returns every station named in the train table. Used by the
// location validator.
func (t *Table) Locations() map[string]bool {
	out := make(map[string]bool, len(t.TrainRoutes)*2)
	for _, r := range t.TrainRoutes {
		out[r.Departure] = true
		out[r.Destination] = true
	}
	return out
}

// Service owns the current fare table and swaps it atomically on reload.
type Service struct {
	trainPath string
	fixedPath string
	logger    *logging.Logger

	mu    sync.RWMutex
	table *Table
}

// NewService creates a fare service for the given table files. Call Load
// before first use.
func NewService(trainPath, fixedPath string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{trainPath: trainPath, fixedPath: fixedPath, logger: logger}
}

// Load reads both fare files and installs a fresh snapshot.
func (s *Service) Load(ctx context.Context) error {
	table, err := loadTable(s.trainPath, s.fixedPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()

	s.logger.Info(ctx, "fare tables loaded",
		zap.Int("train_routes", len(table.TrainRoutes)),
		zap.Int("fixed_fares", len(table.FixedFares)))
	return nil
}

// Table returns the current snapshot. Callers must not retain it across
// turns if they want reload semantics.
func (s *Service) Table() (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.table == nil {
		return nil, fmt.Errorf("fare tables not loaded")
	}
	return s.table, nil
}

// Watch reloads the tables whenever either file changes, until ctx is done.
// A failed reload keeps the previous snapshot.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fare watcher: %w", err)
	}

	for _, p := range []string{s.trainPath, s.fixedPath} {
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Load(ctx); err != nil {
					s.logger.Warn(ctx, "fare table reload failed, keeping previous snapshot",
						zap.String("file", ev.Name), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn(ctx, "fare watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

func loadTable(trainPath, fixedPath string) (*Table, error) {
	trainRaw, err := os.ReadFile(trainPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read train fare table: %w", err)
	}
	var train trainTable
	if err := json.Unmarshal(trainRaw, &train); err != nil {
		return nil, fmt.Errorf("failed to parse train fare table %s: %w", trainPath, err)
	}

	fixedRaw, err := os.ReadFile(fixedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixed fare table: %w", err)
	}
	var fixed map[Transport]int64
	if err := json.Unmarshal(fixedRaw, &fixed); err != nil {
		return nil, fmt.Errorf("failed to parse fixed fare table %s: %w", fixedPath, err)
	}

	for _, r := range train.Routes {
		if r.Departure == "" || r.Destination == "" || r.Fare <= 0 {
			return nil, fmt.Errorf("invalid train route %s -> %s (fare %d)", r.Departure, r.Destination, r.Fare)
		}
	}
	for transport, fare := range fixed {
		if fare <= 0 {
			return nil, fmt.Errorf("invalid fixed fare for %s: %d", transport, fare)
		}
	}

	return &Table{TrainRoutes: train.Routes, FixedFares: fixed}, nil
}
