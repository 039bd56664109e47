// Package instance registers this process as a ServiceInstanceRow,
// keeps its heartbeat current, and periodically marks peers whose
// heartbeat has gone stale as inactive. Rank calculation and lease
// reclaim go by heartbeat age and lease expiry, not by that flag.
package instance

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/rs/zerolog"
)

// Config controls the heartbeat loop's cadence.
type Config struct {
	ServiceName  string
	InstanceID   string
	HeartbeatEvery time.Duration
	StaleCutoff    time.Duration
}

// Instance owns one ServiceInstanceRow and refreshes it on a ticker.
type Instance struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	hostname string
	pid      int

	// lastHeartbeatAt is unix nanoseconds, 0 until the first successful
	// beat; it's written from the heartbeat loop goroutine and read from
	// Healthy (the readiness probe's goroutine), hence atomic rather than
	// a plain time.Time.
	lastHeartbeatAt atomic.Int64
}

// New builds an Instance, generating a UUIDv7 instance id when cfg does
// not supply one.
func New(store storage.Store, cfg Config) *Instance {
	if cfg.InstanceID == "" {
		cfg.InstanceID = ids.NewGUIDv7().String()
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	if cfg.StaleCutoff <= 0 {
		cfg.StaleCutoff = 60 * time.Second
	}
	return &Instance{
		store:  store,
		cfg:    cfg,
		logger: log.WithInstanceID(log.WithComponent("instance"), cfg.InstanceID),
		stopCh: make(chan struct{}),
	}
}

// ID returns this instance's id.
func (in *Instance) ID() string { return in.cfg.InstanceID }

// Start registers the instance and begins the heartbeat/staleness loop.
func (in *Instance) Start(ctx context.Context) error {
	in.hostname, _ = os.Hostname()
	in.pid = os.Getpid()
	row := storage.ServiceInstanceRow{
		InstanceID:      in.cfg.InstanceID,
		ServiceName:     in.cfg.ServiceName,
		HostName:        in.hostname,
		ProcessID:       in.pid,
		LastHeartbeatAt: time.Now().UTC(),
		Active:          true,
	}
	if err := in.store.UpsertServiceInstance(ctx, row); err != nil {
		return err
	}
	in.lastHeartbeatAt.Store(row.LastHeartbeatAt.UnixNano())
	metrics.HeartbeatAgeSeconds.Set(0)

	in.wg.Add(1)
	go in.run(ctx)
	in.logger.Info().Msg("instance registered")
	return nil
}

// Stop halts the heartbeat loop and waits for it to exit.
func (in *Instance) Stop() {
	close(in.stopCh)
	in.wg.Wait()
	in.logger.Info().Msg("instance stopped")
}

func (in *Instance) run(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := in.beat(ctx); err != nil {
				in.logger.Error().Err(err).Msg("heartbeat failed")
			}
		case <-in.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (in *Instance) beat(ctx context.Context) error {
	last := time.Unix(0, in.lastHeartbeatAt.Load())
	metrics.HeartbeatAgeSeconds.Set(time.Since(last).Seconds())

	row := storage.ServiceInstanceRow{
		InstanceID:      in.cfg.InstanceID,
		ServiceName:     in.cfg.ServiceName,
		HostName:        in.hostname,
		ProcessID:       in.pid,
		LastHeartbeatAt: time.Now().UTC(),
		Active:          true,
	}
	if err := in.store.UpsertServiceInstance(ctx, row); err != nil {
		return err
	}
	in.lastHeartbeatAt.Store(row.LastHeartbeatAt.UnixNano())
	metrics.HeartbeatAgeSeconds.Set(0)

	count, err := in.store.MarkStaleInstancesInactive(ctx, in.cfg.StaleCutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		in.logger.Warn().Int("count", count).Msg("marked stale instances inactive")
	}
	return nil
}

// Rank returns this instance's zero-based rank and the live instance
// count, used by the streams registry for partition-based eligibility.
func (in *Instance) Rank(ctx context.Context) (rank int, activeCount int, err error) {
	return in.store.CalculateInstanceRank(ctx, in.cfg.InstanceID, in.cfg.StaleCutoff)
}

// Healthy reports whether the heartbeat loop is still keeping this
// instance's row fresh, used by the metrics readiness probe. It goes
// false once three heartbeat intervals pass without a successful beat.
// That margin is independent of the StaleCutoff after which
// MarkStaleInstancesInactive treats a peer as gone.
func (in *Instance) Healthy() bool {
	last := in.lastHeartbeatAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < 3*in.cfg.HeartbeatEvery
}
