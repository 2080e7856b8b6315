// Package recovery reconciles state left behind by crashed packers: lapsed
// leases, container records stuck before COMMITTED, partial archive objects,
// and source rows stuck in claimed. It runs on packer startup and then
// periodically.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/internal/telemetry"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/metastore"
	"github.com/datavision/easystore/pkg/metrics"
	"github.com/datavision/easystore/pkg/objstore"
)

// ClaimResetter is the slice of the source provider the sweeper needs.
// *source.Provider implements it.
type ClaimResetter interface {
	Name() string
	ResetExpiredClaims(ctx context.Context) (int64, error)
}

// Config configures the recovery sweeper.
type Config struct {
	// StaleAge is how old a non-COMMITTED container record must be before
	// the sweep settles it. It must comfortably exceed the longest packing
	// session so live containers are never touched.
	StaleAge time.Duration `mapstructure:"stale_age" yaml:"stale_age"`

	// Interval between periodic sweeps.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.StaleAge == 0 {
		c.StaleAge = time.Hour
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Minute
	}
}

// Report summarizes one sweep.
type Report struct {
	LeasesReleased int
	Salvaged       int
	Abandoned      int
	ObjectsDeleted int
	ClaimsReset    int64
}

// Sweeper runs crash recovery sweeps.
type Sweeper struct {
	cfg     Config
	store   *metastore.Store
	objects objstore.Store
	sources []ClaimResetter
	sink    metrics.Sink

	now func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSink attaches a metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(sw *Sweeper) { sw.sink = s }
}

// New builds a Sweeper.
func New(cfg Config, store *metastore.Store, objects objstore.Store, sources []ClaimResetter, opts ...Option) *Sweeper {
	cfg.ApplyDefaults()
	sw := &Sweeper{
		cfg:     cfg,
		store:   store,
		objects: objects,
		sources: sources,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Run sweeps once immediately, then at the configured interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("recovery sweep failed", logger.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one recovery pass in the mandated order: release lapsed
// leases, settle stale containers, reset stuck claims.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRecoverySweep)
	defer span.End()

	var report Report

	if err := s.releaseExpiredLeases(ctx, &report); err != nil {
		telemetry.RecordError(ctx, err)
		return report, err
	}
	if err := s.settleStaleContainers(ctx, &report); err != nil {
		telemetry.RecordError(ctx, err)
		return report, err
	}
	s.resetStuckClaims(ctx, &report)

	span.SetAttributes(
		attribute.Int("recovery.leases_released", report.LeasesReleased),
		attribute.Int("recovery.salvaged", report.Salvaged),
		attribute.Int("recovery.abandoned", report.Abandoned),
		attribute.Int("recovery.objects_deleted", report.ObjectsDeleted),
		attribute.Int64("recovery.claims_reset", report.ClaimsReset),
	)
	logger.Info("recovery sweep complete",
		"leases_released", report.LeasesReleased,
		"salvaged", report.Salvaged,
		"abandoned", report.Abandoned,
		"objects_deleted", report.ObjectsDeleted,
		"claims_reset", report.ClaimsReset)
	metrics.Emit(s.sink, metrics.EventSwept, nil, 1)
	return report, nil
}

func (s *Sweeper) releaseExpiredLeases(ctx context.Context, report *Report) error {
	expired, err := s.store.ListExpiredLeases(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}
	for _, lease := range expired {
		if err := s.store.Release(ctx, lease.ShardID, lease.OwnerID, lease.Generation); err != nil {
			logger.Warn("release expired lease failed",
				logger.Shard(int(lease.ShardID)), logger.Pod(lease.OwnerID), logger.Err(err))
			continue
		}
		logger.Info("expired lease released",
			logger.Shard(int(lease.ShardID)), logger.Pod(lease.OwnerID),
			logger.Generation(lease.Generation))
		report.LeasesReleased++
	}
	return nil
}

// settleStaleContainers decides each stale record by looking at the archive:
// a well-formed trailing footer means the upload completed and only the ack
// was lost (salvage to COMMITTED); anything else is abandoned and the
// partial object deleted.
func (s *Sweeper) settleStaleContainers(ctx context.Context, report *Report) error {
	stale, err := s.store.ListStaleContainers(ctx, s.cfg.StaleAge)
	if err != nil {
		return fmt.Errorf("list stale containers: %w", err)
	}

	for _, c := range stale {
		if c.State == metastore.StateAbandoned {
			// Already settled; only the partial object may remain.
			if s.deleteObject(ctx, c) {
				report.ObjectsDeleted++
			}
			continue
		}

		if s.archiveFooterValid(ctx, c) {
			if err := s.store.MarkUploaded(ctx, c.ContainerID); err != nil {
				logger.Warn("salvage failed", logger.ContainerID(c.ContainerID), logger.Err(err))
				continue
			}
			logger.Info("container salvaged",
				logger.ContainerID(c.ContainerID), logger.Shard(int(c.ShardID)),
				logger.Key(c.Key))
			report.Salvaged++
			metrics.Emit(s.sink, metrics.EventSalvaged, nil, 1)
			continue
		}

		if err := s.store.Abandon(ctx, c.ContainerID); err != nil {
			logger.Warn("abandon failed", logger.ContainerID(c.ContainerID), logger.Err(err))
			continue
		}
		report.Abandoned++
		if s.deleteObject(ctx, c) {
			report.ObjectsDeleted++
		}
		logger.Info("container abandoned by recovery",
			logger.ContainerID(c.ContainerID), logger.Shard(int(c.ShardID)),
			logger.State(c.State))
	}
	return nil
}

// archiveFooterValid performs the trailing-range validation: HEAD for the
// size, one range GET for the last 80 bytes, full footer decode against the
// object size.
func (s *Sweeper) archiveFooterValid(ctx context.Context, c metastore.Container) bool {
	info, err := s.objects.Head(ctx, c.Bucket, c.Key)
	if err != nil {
		return false
	}
	if info.Size < format.HeaderSize+format.FooterSize {
		return false
	}
	tail, err := s.objects.GetRange(ctx, c.Bucket, c.Key, info.Size-format.FooterSize, format.FooterSize)
	if err != nil {
		return false
	}
	_, err = format.DecodeFooter(tail, uint64(info.Size))
	return err == nil
}

// deleteObject removes a container's archive object if present. Returns
// whether an object was actually deleted.
func (s *Sweeper) deleteObject(ctx context.Context, c metastore.Container) bool {
	if _, err := s.objects.Head(ctx, c.Bucket, c.Key); err != nil {
		return false
	}
	if err := s.objects.Delete(ctx, c.Bucket, c.Key); err != nil {
		logger.Warn("delete partial object failed",
			logger.Bucket(c.Bucket), logger.Key(c.Key), logger.Err(err))
		return false
	}
	logger.Info("partial object deleted", logger.Bucket(c.Bucket), logger.Key(c.Key))
	return true
}

// resetStuckClaims returns timed-out claims to pending. The claim timeout is
// the orphan signal: a live owner either settles its rows or loses them the
// same way a crashed one does.
func (s *Sweeper) resetStuckClaims(ctx context.Context, report *Report) {
	for _, src := range s.sources {
		n, err := src.ResetExpiredClaims(ctx)
		if err != nil {
			logger.Warn("reset claims failed", logger.Source(src.Name()), logger.Err(err))
			continue
		}
		if n > 0 {
			logger.Info("stuck claims reset", logger.Source(src.Name()), "count", n)
			metrics.Emit(s.sink, metrics.EventClaimsReset,
				map[string]string{metrics.LabelSource: src.Name()}, float64(n))
		}
		report.ClaimsReset += n
	}
}
