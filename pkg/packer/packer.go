// Package packer runs the multi-shard control loop: it acquires shard
// leases, claims pending files from the configured sources, packs them into
// DES containers, and commits finished containers to the archive bucket.
//
// Per shard the packer moves through IDLE, LEASED, PACKING, FINALIZING and
// back; a failed heartbeat renewal transitions the shard to LOST, which
// aborts the open writer, abandons its container record, and yields the
// shard to a successor.
package packer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/internal/telemetry"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/des/writer"
	"github.com/datavision/easystore/pkg/metastore"
	"github.com/datavision/easystore/pkg/metrics"
	"github.com/datavision/easystore/pkg/naming"
	"github.com/datavision/easystore/pkg/objstore"
	"github.com/datavision/easystore/pkg/sharding"
	"github.com/datavision/easystore/pkg/source"
)

// FileSource is the claim/fetch/settle capability the packer needs from each
// source database. *source.Provider implements it.
type FileSource interface {
	Name() string
	Claim(ctx context.Context, batchSize int, shards []uint64) ([]source.PendingFile, error)
	Fetch(ctx context.Context, pf source.PendingFile) ([]byte, error)
	FileMeta(pf source.PendingFile) map[string]any
	MarkPacked(ctx context.Context, pf source.PendingFile, containerID string) (bool, error)
	MarkFailed(ctx context.Context, pf source.PendingFile, reason string) (bool, error)
}

// Packer packs pending files from the sources into DES containers, one
// writer per owned shard at a time.
type Packer struct {
	cfg     Config
	store   *metastore.Store
	objects objstore.Store
	sources []FileSource
	gen     *naming.Generator

	owner     string
	sink      metrics.Sink
	readiness *metrics.Readiness

	now func() time.Time
}

// Option configures a Packer.
type Option func(*Packer)

// WithSink attaches a metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(p *Packer) { p.sink = s }
}

// WithReadiness attaches a readiness tracker fed by heartbeat renewals.
func WithReadiness(r *metrics.Readiness) Option {
	return func(p *Packer) { p.readiness = r }
}

// WithOwner overrides the generated owner identity. Useful for tests and for
// pods that derive identity from their environment.
func WithOwner(owner string) Option {
	return func(p *Packer) { p.owner = owner }
}

// New builds a Packer. The work directory is created if missing.
func New(cfg Config, store *metastore.Store, objects objstore.Store, sources []FileSource, gen *naming.Generator, opts ...Option) (*Packer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("packer: at least one source is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("packer: create work directory: %w", err)
	}

	p := &Packer{
		cfg:     cfg,
		store:   store,
		objects: objects,
		sources: sources,
		gen:     gen,
		owner:   uuid.NewString(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Owner returns the lease owner identity of this packer.
func (p *Packer) Owner() string {
	return p.owner
}

// Run packs the assigned shards until ctx is cancelled. One task per shard;
// tasks share the metastore pool, the object-store client, and the sources.
func (p *Packer) Run(ctx context.Context, assignment sharding.Assignment) error {
	logger.Info("packer starting",
		logger.Pod(p.owner),
		"shards", len(assignment.Shards),
		"shard_bits", p.cfg.ShardBits)
	metrics.Emit(p.sink, metrics.EventShardsOwned,
		map[string]string{metrics.LabelPod: p.owner}, float64(len(assignment.Shards)))

	g := new(errgroup.Group)
	for _, shard := range assignment.Shards {
		g.Go(func() error {
			return p.runShard(ctx, uint32(shard))
		})
	}
	err := g.Wait()
	logger.Info("packer stopped", logger.Pod(p.owner))
	return err
}

// runShard cycles IDLE → acquire → pack until ctx is cancelled.
func (p *Packer) runShard(ctx context.Context, shard uint32) error {
	for {
		lease, ok, err := p.store.TryAcquire(ctx, shard, p.owner, p.cfg.LeaseTTL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("lease acquire failed", logger.Shard(int(shard)), logger.Err(err))
		case ok:
			logger.Info("lease acquired",
				logger.Shard(int(shard)), logger.Pod(p.owner), logger.Generation(lease.Generation))
			metrics.Emit(p.sink, metrics.EventLeaseAcquired, p.shardLabels(shard), 1)
			p.packShard(ctx, shard, lease)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.AcquireInterval):
		}
	}
}

// activeContainer is the open writer of one shard plus the claims packed
// into it so far.
type activeContainer struct {
	id    string
	day   string
	shard uint32
	key   string
	w     *writer.Writer

	claims []claimRef

	sinceCkptFiles uint64
	sinceCkptBytes uint64
	lastCkptBytes  uint64
}

type claimRef struct {
	src FileSource
	pf  source.PendingFile
}

// packShard holds the lease: it heartbeats, packs batches, and rolls
// containers over until the lease is lost or ctx is cancelled.
func (p *Packer) packShard(ctx context.Context, shard uint32, lease *metastore.ShardLease) {
	shardCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(shardCtx, shard, lease, &lost, cancel)
	}()

	cont := p.packLoop(shardCtx, shard, lease)

	cancel()
	<-hbDone

	// Fresh context: the shard context is already cancelled here.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cleanupCancel()

	if cont != nil {
		if !lost.Load() && cont.w.FileCount() >= p.cfg.MinCommitFiles {
			if err := p.commit(cleanupCtx, cont); err != nil {
				logger.Error("shutdown commit failed",
					logger.Shard(int(shard)), logger.ContainerID(cont.id), logger.Err(err))
				p.abandon(cleanupCtx, cont)
			}
		} else {
			p.abandon(cleanupCtx, cont)
		}
	}

	if !lost.Load() {
		if err := p.store.Release(cleanupCtx, shard, p.owner, lease.Generation); err != nil {
			logger.Warn("lease release failed", logger.Shard(int(shard)), logger.Err(err))
		}
	}
}

// heartbeat renews the lease at ttl/3. The lease counts as lost when the
// store reports another owner or when renewals keep failing past the ttl.
func (p *Packer) heartbeat(ctx context.Context, shard uint32, lease *metastore.ShardLease, lost *atomic.Bool, cancel context.CancelFunc) {
	interval := p.cfg.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastOK := p.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := p.store.Renew(ctx, shard, p.owner, lease.Generation)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn("lease renew error", logger.Shard(int(shard)), logger.Err(err))
			if p.now().Sub(lastOK) > p.cfg.LeaseTTL {
				lost.Store(true)
				metrics.Emit(p.sink, metrics.EventLeaseLost, p.shardLabels(shard), 1)
				cancel()
				return
			}
		case !ok:
			logger.Warn("lease lost to successor",
				logger.Shard(int(shard)), logger.Pod(p.owner), logger.Generation(lease.Generation))
			lost.Store(true)
			metrics.Emit(p.sink, metrics.EventLeaseLost, p.shardLabels(shard), 1)
			cancel()
			return
		default:
			lastOK = p.now()
			metrics.Emit(p.sink, metrics.EventLeaseRenewals, p.shardLabels(shard), 1)
			if p.readiness != nil {
				p.readiness.MarkOK(metrics.ComponentLease)
			}
		}
	}
}

// packLoop is the PACKING state. Returns the still-open container (if any)
// for the caller to settle.
func (p *Packer) packLoop(ctx context.Context, shard uint32, lease *metastore.ShardLease) *activeContainer {
	batch := newBatchControl(p.cfg.MaxBatchSize)
	var cont *activeContainer
	next := 0 // round-robin cursor over sources

	for ctx.Err() == nil {
		day := p.today()

		// Day boundary: close yesterday's container before packing on.
		if cont != nil && cont.day != day {
			p.rollover(ctx, cont)
			cont = nil
		}

		if cont == nil {
			var err error
			cont, err = p.openContainer(ctx, shard, lease, day)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("open container failed", logger.Shard(int(shard)), logger.Err(err))
				p.sleep(ctx, p.cfg.PollInterval)
				continue
			}
		}

		files, src := p.claimNext(ctx, shard, batch.Size(), &next)
		if len(files) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		cont = p.packBatch(ctx, shard, lease, cont, src, files, batch)
	}
	return cont
}

// packBatch fetches and adds one claimed batch. Rollover mid-batch closes
// the container and opens a successor for the remaining files.
func (p *Packer) packBatch(ctx context.Context, shard uint32, lease *metastore.ShardLease, cont *activeContainer, src FileSource, files []source.PendingFile, batch *batchControl) *activeContainer {
	batchCtx, span := telemetry.StartPackerSpan(ctx, "batch", int(shard),
		telemetry.Pod(p.owner),
		attribute.Int(telemetry.AttrBatchSize, len(files)))
	defer span.End()

	start := p.now()
	fetchFailures := 0
	packed := 0

	for _, pf := range files {
		if batchCtx.Err() != nil {
			// Remaining claims revert to pending via the claim timeout.
			break
		}

		data, err := p.fetchFile(batchCtx, src, pf)
		if err != nil {
			fetchFailures++
			p.failFile(batchCtx, src, pf, "fetch: "+err.Error())
			continue
		}

		if err := p.addFile(batchCtx, cont, src, pf, data); err != nil {
			p.failFile(batchCtx, src, pf, "add: "+err.Error())
			continue
		}
		cont.claims = append(cont.claims, claimRef{src: src, pf: pf})
		packed++

		p.maybeCheckpoint(batchCtx, cont)

		if cont.w.ByteSize() >= p.cfg.MaxContainerBytes.Uint64() ||
			cont.w.FileCount() >= p.cfg.MaxFilesPerContainer {
			p.rollover(batchCtx, cont)
			fresh, err := p.openContainer(batchCtx, shard, lease, p.today())
			if err != nil {
				if batchCtx.Err() == nil {
					logger.Error("open successor container failed",
						logger.Shard(int(shard)), logger.Err(err))
				}
				return nil
			}
			cont = fresh
		}
	}

	if fetchFailures == 0 {
		batch.Success()
	} else {
		batch.Failure()
	}
	metrics.Emit(p.sink, metrics.EventBatchSize, p.shardLabels(shard), float64(batch.Size()))
	metrics.Emit(p.sink, metrics.EventPackDuration, p.shardLabels(shard),
		float64(p.now().Sub(start).Milliseconds()))

	span.SetAttributes(
		attribute.Int(telemetry.AttrPacked, packed),
		attribute.Int(telemetry.AttrFailed, fetchFailures),
	)
	return cont
}

// claimNext asks the sources round-robin for a batch routed to this shard.
func (p *Packer) claimNext(ctx context.Context, shard uint32, batchSize int, next *int) ([]source.PendingFile, FileSource) {
	for i := 0; i < len(p.sources); i++ {
		src := p.sources[(*next+i)%len(p.sources)]
		files, err := src.Claim(ctx, batchSize, []uint64{uint64(shard)})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			logger.Warn("claim failed",
				logger.Source(src.Name()), logger.Shard(int(shard)), logger.Err(err))
			continue
		}
		if len(files) > 0 {
			*next = (*next + i + 1) % len(p.sources)
			return files, src
		}
	}
	return nil, nil
}

// openContainer mints a name, inserts the OPEN record, and opens the writer
// under the work directory.
func (p *Packer) openContainer(ctx context.Context, shard uint32, lease *metastore.ShardLease, day string) (*activeContainer, error) {
	id := p.gen.Next()
	key := ArchiveKey(day, uint64(shard), p.cfg.ShardBits, id)

	record := &metastore.Container{
		ContainerID: id,
		ShardID:     shard,
		Day:         day,
		Bucket:      p.cfg.ArchiveBucket,
		Key:         key,
		OwnerID:     p.owner,
		Generation:  lease.Generation,
	}
	if err := p.store.CreateContainer(ctx, record); err != nil {
		return nil, fmt.Errorf("create container record: %w", err)
	}

	w, err := writer.Open(filepath.Join(p.cfg.WorkDir, workFileName(shard, day, id)), writer.Options{
		BigFileThreshold: p.cfg.BigFileThreshold.Uint64(),
		Sidecar:          p.objects,
		SidecarBucket:    p.cfg.ArchiveBucket,
		Stem:             id,
	})
	if err != nil {
		if aerr := p.store.Abandon(ctx, id); aerr != nil {
			logger.Warn("abandon after failed open", logger.ContainerID(id), logger.Err(aerr))
		}
		return nil, fmt.Errorf("open writer: %w", err)
	}

	logger.Info("container opened",
		logger.ContainerID(id), logger.Shard(int(shard)), "day", day)
	return &activeContainer{id: id, day: day, shard: shard, key: key, w: w}, nil
}

// fetchFile downloads one pending file, retrying transient failures.
func (p *Packer) fetchFile(ctx context.Context, src FileSource, pf source.PendingFile) ([]byte, error) {
	var data []byte
	err := retryTransient(ctx, p.cfg.MaxRetries, "fetch", func() error {
		var ferr error
		data, ferr = src.Fetch(ctx, pf)
		return ferr
	})
	return data, err
}

// addFile writes one file into the container. The entry name is the object
// key's base name; on validation failure or collision it falls back to
// source-qualified forms that stay unique.
func (p *Packer) addFile(ctx context.Context, cont *activeContainer, src FileSource, pf source.PendingFile, data []byte) error {
	meta := src.FileMeta(pf)

	name := path.Base(pf.Key)
	if format.ValidateName(name) != nil {
		name = src.Name() + "_" + pf.ID
	}

	err := cont.w.Add(ctx, name, data, meta)
	if errors.Is(err, format.ErrNameConflict) {
		name = name + "_" + pf.ID
		err = cont.w.Add(ctx, name, data, meta)
	}
	return err
}

// failFile marks one claim failed and counts it. Per-file failures never
// fail the batch.
func (p *Packer) failFile(ctx context.Context, src FileSource, pf source.PendingFile, reason string) {
	logger.Warn("file failed",
		logger.Source(src.Name()), logger.Name(pf.Key), "reason", reason)
	if _, err := src.MarkFailed(ctx, pf, reason); err != nil {
		logger.Warn("mark failed errored",
			logger.Source(src.Name()), logger.Name(pf.Key), logger.Err(err))
	}
	metrics.Emit(p.sink, metrics.EventFilesFailed,
		map[string]string{metrics.LabelSource: src.Name()}, 1)
}

// maybeCheckpoint persists file_count and byte_size when the cadence is due.
func (p *Packer) maybeCheckpoint(ctx context.Context, cont *activeContainer) {
	cont.sinceCkptFiles++
	cont.sinceCkptBytes = cont.w.ByteSize() - cont.lastCkptBytes
	if cont.sinceCkptFiles < p.cfg.CheckpointFiles && cont.sinceCkptBytes < p.cfg.CheckpointBytes.Uint64() {
		return
	}
	if err := p.store.Checkpoint(ctx, cont.id, cont.w.FileCount(), cont.w.ByteSize()); err != nil {
		logger.Warn("checkpoint failed", logger.ContainerID(cont.id), logger.Err(err))
		return
	}
	cont.sinceCkptFiles = 0
	cont.lastCkptBytes = cont.w.ByteSize()
}

// rollover closes a container: commit when it holds files, abandon an empty
// shell.
func (p *Packer) rollover(ctx context.Context, cont *activeContainer) {
	if cont.w.FileCount() == 0 {
		p.abandon(ctx, cont)
		return
	}
	if err := p.commit(ctx, cont); err != nil {
		logger.Error("commit failed",
			logger.ContainerID(cont.id), logger.Shard(int(cont.shard)), logger.Err(err))
		p.abandon(ctx, cont)
	}
}

// commit finalizes, uploads, and settles a container: record first
// (UPLOADING → COMMITTED), then the source rows.
func (p *Packer) commit(ctx context.Context, cont *activeContainer) error {
	ctx, span := telemetry.StartPackerSpan(ctx, "rollover", int(cont.shard),
		telemetry.ContainerID(cont.id))
	defer span.End()

	stats, err := cont.w.Finalize()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("finalize: %w", err)
	}
	span.SetAttributes(
		attribute.Int64(telemetry.AttrFileCount, int64(stats.FileCount)),
		attribute.Int64(telemetry.AttrByteSize, int64(stats.ByteSize)),
	)

	if err := p.store.MarkUploading(ctx, cont.id, stats.FileCount, stats.ByteSize); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}

	uploadStart := p.now()
	err = retryTransient(ctx, p.cfg.MaxRetries, "upload", func() error {
		f, err := os.Open(cont.w.Path())
		if err != nil {
			return backoffPermanent(err)
		}
		defer f.Close()
		return p.objects.Put(ctx, p.cfg.ArchiveBucket, cont.key, f, int64(stats.ByteSize))
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("upload %s: %w", cont.key, err)
	}
	metrics.Emit(p.sink, metrics.EventUploadDuration, p.shardLabels(cont.shard),
		float64(p.now().Sub(uploadStart).Milliseconds()))

	if err := p.store.MarkUploaded(ctx, cont.id); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}

	// Record is committed; settle the rows. A crash from here on is
	// reconciled by the claim timeout, never by repacking.
	for _, c := range cont.claims {
		if _, err := c.src.MarkPacked(ctx, c.pf, cont.id); err != nil {
			logger.Warn("mark packed errored",
				logger.Source(c.src.Name()), logger.Name(c.pf.Key), logger.Err(err))
		}
	}

	if err := os.Remove(cont.w.Path()); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove work file failed", logger.ContainerID(cont.id), logger.Err(err))
	}

	logger.Info("container committed",
		logger.ContainerID(cont.id),
		logger.Shard(int(cont.shard)),
		logger.FileCount(stats.FileCount),
		logger.ByteSize(stats.ByteSize),
		logger.Key(cont.key))
	labels := p.shardLabels(cont.shard)
	metrics.Emit(p.sink, metrics.EventContainersCommitted, labels, 1)
	metrics.Emit(p.sink, metrics.EventFilesPacked, labels, float64(stats.FileCount))
	metrics.Emit(p.sink, metrics.EventBytesPacked, labels, float64(stats.ByteSize))
	return nil
}

// abandon aborts the writer and marks the record ABANDONED. The claims stay
// claimed until their timeout returns them to pending.
func (p *Packer) abandon(ctx context.Context, cont *activeContainer) {
	if err := cont.w.Abort(); err != nil {
		logger.Warn("abort writer failed", logger.ContainerID(cont.id), logger.Err(err))
	}
	if err := p.store.Abandon(ctx, cont.id); err != nil {
		logger.Warn("abandon record failed", logger.ContainerID(cont.id), logger.Err(err))
	}
	logger.Info("container abandoned",
		logger.ContainerID(cont.id), logger.Shard(int(cont.shard)))
	metrics.Emit(p.sink, metrics.EventContainersAbandoned, p.shardLabels(cont.shard), 1)
}

func (p *Packer) today() string {
	return p.now().UTC().Format("2006-01-02")
}

func (p *Packer) shardLabels(shard uint32) map[string]string {
	return map[string]string{metrics.LabelShard: strconv.FormatUint(uint64(shard), 10)}
}

func (p *Packer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
