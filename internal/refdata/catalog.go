package refdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
)

// Errors
var (
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrInstrumentDisabled = errors.New("instrument disabled")
)

// Config holds instrument catalog configuration.
type Config struct {
	ReconcileInterval  time.Duration
	InitialLoadTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  15 * time.Minute,
		InitialLoadTimeout: 1 * time.Minute,
	}
}

// Catalog vets instrument keys against the reference data universe.
type Catalog interface {
	// Start performs the blocking initial load, then reconciles in background.
	Start(ctx context.Context) error

	// Stop gracefully shuts down.
	Stop(ctx context.Context) error

	// Validate reports whether an instrument may be subscribed.
	Validate(ric string) error

	// Get returns a specific instrument by RIC.
	Get(ric string) (model.Instrument, bool)

	// Stats returns a snapshot of catalog counters.
	Stats() Stats
}

// Stats is a snapshot of catalog state.
type Stats struct {
	Instruments int       `json:"instruments"`
	Enabled     int       `json:"enabled"`
	LastSync    time.Time `json:"last_sync"`
	SyncErrors  int64     `json:"sync_errors"`
}

// catalogImpl implements the Catalog interface.
type catalogImpl struct {
	cfg    Config
	src    Source
	logger *slog.Logger

	mu          sync.RWMutex
	instruments map[string]model.Instrument
	enabled     int
	lastSync    time.Time
	syncErrors  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCatalog creates an instrument catalog over the given source.
func NewCatalog(cfg Config, src Source, logger *slog.Logger) Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	return &catalogImpl{
		cfg:         cfg,
		src:         src,
		logger:      logger.With("component", "refdata"),
		instruments: make(map[string]model.Instrument),
	}
}

// Start performs the blocking initial load, then reconciles in background.
func (c *catalogImpl) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	loadCtx, loadCancel := context.WithTimeout(runCtx, c.cfg.InitialLoadTimeout)
	defer loadCancel()

	if err := c.reload(loadCtx); err != nil {
		cancel()
		return fmt.Errorf("initial instrument load: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconcileLoop(runCtx)
	}()

	stats := c.Stats()
	c.logger.Info("instrument catalog started",
		"instruments", stats.Instruments,
		"enabled", stats.Enabled,
	)

	return nil
}

// Stop gracefully shuts down.
func (c *catalogImpl) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("instrument catalog stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Validate reports whether an instrument may be subscribed.
func (c *catalogImpl) Validate(ric string) error {
	c.mu.RLock()
	inst, ok := c.instruments[ric]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%q: %w", ric, ErrUnknownInstrument)
	}
	if !inst.Enabled {
		return fmt.Errorf("%q: %w", ric, ErrInstrumentDisabled)
	}
	return nil
}

// Get returns a specific instrument by RIC.
func (c *catalogImpl) Get(ric string) (model.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instruments[ric]
	return inst, ok
}

// Stats returns a snapshot of catalog counters.
func (c *catalogImpl) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Instruments: len(c.instruments),
		Enabled:     c.enabled,
		LastSync:    c.lastSync,
		SyncErrors:  c.syncErrors,
	}
}

// reconcileLoop periodically reloads the instrument universe.
func (c *catalogImpl) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reload(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				c.syncErrors++
				c.mu.Unlock()
				c.logger.Error("instrument reconcile failed", "err", err)
			}
		}
	}
}

// reload replaces the catalog snapshot with a fresh load.
func (c *catalogImpl) reload(ctx context.Context) error {
	start := time.Now()

	instruments, err := c.src.LoadInstruments(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]model.Instrument, len(instruments))
	enabled := 0
	for _, inst := range instruments {
		next[inst.RIC] = inst
		if inst.Enabled {
			enabled++
		}
	}

	c.mu.Lock()
	prev := len(c.instruments)
	c.instruments = next
	c.enabled = enabled
	c.lastSync = time.Now()
	c.mu.Unlock()

	if prev != len(next) {
		c.logger.Info("instrument catalog reloaded",
			"instruments", len(next),
			"enabled", enabled,
			"duration", time.Since(start),
		)
	} else {
		c.logger.Debug("instrument catalog reloaded",
			"instruments", len(next),
			"duration", time.Since(start),
		)
	}

	return nil
}
