package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Driver is the polling loop that advances runs. Each pass is also
// triggered early whenever the orchestrator signals new ready work.
type Driver struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDriver creates a driver polling every interval.
func NewDriver(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		orch:     orch,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the driver loop is actively running.
func (d *Driver) Running() bool {
	return d.running.Load()
}

// Start begins the polling loop. Call in a goroutine.
func (d *Driver) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeTick(ctx)
		case <-d.orch.Wake():
			d.safeTick(ctx)
		}
	}
}

// Stop signals the driver to stop.
func (d *Driver) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Driver) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in workflow driver", "panic", fmt.Sprint(r))
		}
	}()
	d.orch.Tick(ctx)
}
