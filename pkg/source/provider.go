// Package source claims pending files out of customer-owned databases. Each
// Provider wraps one source database plus the object store its rows point at;
// the packer pulls batches through Claim, fetches the bytes, and settles every
// row with MarkPacked or MarkFailed.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/pkg/objstore"
	"github.com/datavision/easystore/pkg/sharding"
)

// PendingFile is one claimed source row, carrying everything the packer needs
// to fetch, pack, and settle it.
type PendingFile struct {
	// Source is the configured name of the database the row came from.
	Source string

	// ID is the source row's primary key, rendered as a string.
	ID string

	Bucket    string
	Key       string
	SizeBytes int64
	CreatedAt time.Time

	// ShardKey is the routing value the shard was derived from.
	ShardKey string

	// Shard is sharding.Hash(ShardKey, shard_bits).
	Shard uint64

	// Metadata holds the projected metadata_columns values.
	Metadata map[string]any
}

// Provider claims, fetches, and settles pending files from one source
// database.
type Provider struct {
	cfg     Config
	db      *gorm.DB
	objects objstore.Store
	owner   string

	now func() time.Time
}

// New connects to the source database and verifies the configured table and
// columns exist. The owner string stamps every claim this provider makes.
func New(cfg Config, objects objstore.Store, owner string) (*Provider, error) {
	p, err := newUnverified(cfg, objects, owner)
	if err != nil {
		return nil, err
	}
	if err := p.verifyColumns(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// newUnverified connects without checking the column mapping. Tests use it to
// create the table first; production code goes through New.
func newUnverified(cfg Config, objects objstore.Store, owner string) (*Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("source %s: owner is required", cfg.Name)
	}

	dialector := cfg.Dialector
	if dialector == nil {
		switch cfg.Dialect {
		case DialectPostgres:
			dialector = postgres.Open(cfg.DSN)
		case DialectMySQL:
			dialector = mysql.Open(cfg.DSN)
		case DialectSQLServer:
			dialector = sqlserver.Open(cfg.DSN)
		case DialectSQLite:
			dialector = sqlite.Open(cfg.DSN)
		}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: connect: %w", cfg.Name, err)
	}

	return &Provider{
		cfg:     cfg,
		db:      db,
		objects: objects,
		owner:   owner,
		now:     time.Now,
	}, nil
}

// Name returns the configured source name.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// ShardBits returns the shard width rows of this source are routed with.
func (p *Provider) ShardBits() uint8 {
	return p.cfg.ShardBits
}

// Close closes the underlying database connection.
func (p *Provider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (p *Provider) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// verifyColumns runs an empty projection of every mapped column so a
// misconfigured mapping fails at startup instead of mid-claim.
func (p *Provider) verifyColumns() error {
	cols := p.selectColumns()
	rows, err := p.db.Table(p.cfg.tableRef()).Select(cols).Where("1 = 0").Rows()
	if err != nil {
		return fmt.Errorf("source %s: column mapping does not match table %s: %w",
			p.cfg.Name, p.cfg.tableRef(), err)
	}
	return rows.Close()
}

// selectColumns lists every column a claim query projects.
func (p *Provider) selectColumns() []string {
	c := p.cfg.Columns
	cols := []string{c.ID, c.Bucket, c.Key, c.SizeBytes, c.CreatedAt}
	if c.ShardKey != "" {
		cols = append(cols, c.ShardKey)
	}
	for _, col := range p.cfg.MetadataColumns {
		cols = append(cols, col)
	}
	return cols
}

// Claim selects up to batchSize pending rows routed to one of the given
// shards, stamps them claimed, and returns them. Rows claimed longer than
// claim_timeout_seconds ago count as pending again.
//
// The shard is derived in Go from the routing column, so the query over-reads
// candidates and filters; rows routed elsewhere stay untouched for the pods
// that own them.
func (p *Provider) Claim(ctx context.Context, batchSize int, shards []uint64) ([]PendingFile, error) {
	if batchSize <= 0 || len(shards) == 0 {
		return nil, nil
	}
	want := make(map[uint64]bool, len(shards))
	for _, s := range shards {
		want[s] = true
	}

	// Over-read so shard filtering still fills the batch when this pod owns
	// only a slice of the shard space.
	candidateLimit := batchSize * 4
	if candidateLimit < 64 {
		candidateLimit = 64
	}

	now := p.now().UTC()
	cutoff := now.Add(-time.Duration(p.cfg.ClaimTimeoutSeconds) * time.Second)

	var claimed []PendingFile
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sql, args := p.claimQuery(candidateLimit, cutoff)
		var rows []map[string]any
		if err := tx.Raw(sql, args...).Scan(&rows).Error; err != nil {
			return fmt.Errorf("claim query: %w", err)
		}

		var picked []PendingFile
		for _, row := range rows {
			pf, err := p.rowToPending(row)
			if err != nil {
				logger.Warn("skipping unreadable source row",
					logger.Source(p.cfg.Name), logger.Err(err))
				continue
			}
			if !want[pf.Shard] {
				continue
			}
			picked = append(picked, pf)
			if len(picked) == batchSize {
				break
			}
		}
		if len(picked) == 0 {
			return nil
		}

		winners, err := p.stampClaims(tx, picked, cutoff, now)
		if err != nil {
			return err
		}
		claimed = winners
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimQuery builds the dialect-specific candidate selection. Locked dialects
// hold the candidate rows for the transaction and skip rows locked by
// concurrent claimers.
func (p *Provider) claimQuery(limit int, cutoff time.Time) (string, []any) {
	c := p.cfg.Columns
	cols := ""
	for i, col := range p.selectColumns() {
		if i > 0 {
			cols += ", "
		}
		cols += col
	}

	cond := fmt.Sprintf("(%s = ? OR (%s = ? AND %s < ?))", c.Status, c.Status, c.ClaimedAt)
	args := []any{p.cfg.Status.Pending, p.cfg.Status.Claimed, cutoff}
	if p.cfg.WhereClause != "" {
		cond += " AND (" + p.cfg.WhereClause + ")"
	}

	tbl := p.cfg.tableRef()
	switch p.cfg.Dialect {
	case DialectSQLServer:
		return fmt.Sprintf(
			"SELECT TOP (%d) %s FROM %s WITH (ROWLOCK, UPDLOCK, READPAST) WHERE %s ORDER BY %s",
			limit, cols, tbl, cond, c.CreatedAt), args
	case DialectOracle:
		// Oracle rejects FETCH FIRST together with FOR UPDATE, so the limit
		// rides in the predicate and ordering is best-effort.
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s AND ROWNUM <= %d FOR UPDATE SKIP LOCKED",
			cols, tbl, cond, limit), args
	case DialectPostgres, DialectMySQL:
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d FOR UPDATE SKIP LOCKED",
			cols, tbl, cond, c.CreatedAt, limit), args
	default:
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d",
			cols, tbl, cond, c.CreatedAt, limit), args
	}
}

// stampClaims marks the picked rows claimed. On locked dialects the rows are
// held by the surrounding transaction, so one batched update suffices. On
// sqlite each update re-checks the claimable predicate and losers are dropped
// from the batch.
func (p *Provider) stampClaims(tx *gorm.DB, picked []PendingFile, cutoff, now time.Time) ([]PendingFile, error) {
	c := p.cfg.Columns
	stamp := map[string]any{
		c.Status:    p.cfg.Status.Claimed,
		c.ClaimedBy: p.owner,
		c.ClaimedAt: now,
	}

	if p.cfg.Dialect != DialectSQLite {
		ids := make([]string, len(picked))
		for i, pf := range picked {
			ids[i] = pf.ID
		}
		res := tx.Table(p.cfg.tableRef()).
			Where(c.ID+" IN ?", ids).
			Updates(stamp)
		if res.Error != nil {
			return nil, fmt.Errorf("stamp claims: %w", res.Error)
		}
		return picked, nil
	}

	var winners []PendingFile
	for _, pf := range picked {
		res := tx.Table(p.cfg.tableRef()).
			Where(fmt.Sprintf("%s = ? AND (%s = ? OR (%s = ? AND %s < ?))",
				c.ID, c.Status, c.Status, c.ClaimedAt),
				pf.ID, p.cfg.Status.Pending, p.cfg.Status.Claimed, cutoff).
			Updates(stamp)
		if res.Error != nil {
			return nil, fmt.Errorf("stamp claim %s: %w", pf.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			winners = append(winners, pf)
		}
	}
	return winners, nil
}

// rowToPending converts a raw claim-query row into a PendingFile.
func (p *Provider) rowToPending(row map[string]any) (PendingFile, error) {
	c := p.cfg.Columns

	id, err := toString(row[c.ID])
	if err != nil {
		return PendingFile{}, fmt.Errorf("column %s: %w", c.ID, err)
	}
	bucket, err := toString(row[c.Bucket])
	if err != nil {
		return PendingFile{}, fmt.Errorf("row %s, column %s: %w", id, c.Bucket, err)
	}
	key, err := toString(row[c.Key])
	if err != nil {
		return PendingFile{}, fmt.Errorf("row %s, column %s: %w", id, c.Key, err)
	}
	size, err := toInt64(row[c.SizeBytes])
	if err != nil {
		return PendingFile{}, fmt.Errorf("row %s, column %s: %w", id, c.SizeBytes, err)
	}
	created, err := toTime(row[c.CreatedAt])
	if err != nil {
		return PendingFile{}, fmt.Errorf("row %s, column %s: %w", id, c.CreatedAt, err)
	}

	shardKey := key
	if c.ShardKey != "" {
		v, err := toString(row[c.ShardKey])
		if err != nil {
			return PendingFile{}, fmt.Errorf("row %s, column %s: %w", id, c.ShardKey, err)
		}
		if v != "" {
			shardKey = v
		}
	}

	var meta map[string]any
	if len(p.cfg.MetadataColumns) > 0 {
		meta = make(map[string]any, len(p.cfg.MetadataColumns))
		for name, col := range p.cfg.MetadataColumns {
			meta[name] = normalizeMetaValue(row[col])
		}
	}

	return PendingFile{
		Source:    p.cfg.Name,
		ID:        id,
		Bucket:    bucket,
		Key:       key,
		SizeBytes: size,
		CreatedAt: created.UTC(),
		ShardKey:  shardKey,
		Shard:     sharding.Hash(shardKey, p.cfg.ShardBits),
		Metadata:  meta,
	}, nil
}

// Fetch downloads the file's bytes from the object store.
func (p *Provider) Fetch(ctx context.Context, pf PendingFile) ([]byte, error) {
	data, err := p.objects.Get(ctx, pf.Bucket, pf.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", pf.Bucket, pf.Key, err)
	}
	return data, nil
}

// FileMeta builds the per-file metadata stamped into the container: the
// provenance fields plus any projected metadata columns.
func (p *Provider) FileMeta(pf PendingFile) map[string]any {
	meta := map[string]any{
		"source_db":       pf.Source,
		"source_file_id":  pf.ID,
		"original_bucket": pf.Bucket,
		"original_key":    pf.Key,
	}
	for k, v := range pf.Metadata {
		meta[k] = v
	}
	return meta
}

// MarkPacked settles a claimed row as packed into containerID. Only this
// provider's own live claim is settled; returns false when the claim was
// already lost or resettled.
func (p *Provider) MarkPacked(ctx context.Context, pf PendingFile, containerID string) (bool, error) {
	c := p.cfg.Columns
	stamp := map[string]any{c.Status: p.cfg.Status.Packed}
	if c.ContainerID != "" {
		stamp[c.ContainerID] = containerID
	}
	return p.settle(ctx, pf, stamp)
}

// MarkFailed settles a claimed row as failed. The reason lands in the error
// column when one is configured.
func (p *Provider) MarkFailed(ctx context.Context, pf PendingFile, reason string) (bool, error) {
	c := p.cfg.Columns
	stamp := map[string]any{c.Status: p.cfg.Status.Failed}
	if c.Error != "" {
		stamp[c.Error] = reason
	}
	return p.settle(ctx, pf, stamp)
}

func (p *Provider) settle(ctx context.Context, pf PendingFile, stamp map[string]any) (bool, error) {
	c := p.cfg.Columns
	res := p.db.WithContext(ctx).
		Table(p.cfg.tableRef()).
		Where(fmt.Sprintf("%s = ? AND %s = ? AND %s = ?", c.ID, c.Status, c.ClaimedBy),
			pf.ID, p.cfg.Status.Claimed, p.owner).
		Updates(stamp)
	if res.Error != nil {
		return false, fmt.Errorf("settle row %s: %w", pf.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetExpiredClaims flips rows whose claim timed out back to pending and
// clears their claim stamp. The claim path already treats such rows as
// claimable; the recovery sweep calls this for hygiene so stuck rows show up
// as pending in the source owner's own queries too.
func (p *Provider) ResetExpiredClaims(ctx context.Context) (int64, error) {
	c := p.cfg.Columns
	cutoff := p.now().UTC().Add(-time.Duration(p.cfg.ClaimTimeoutSeconds) * time.Second)
	res := p.db.WithContext(ctx).
		Table(p.cfg.tableRef()).
		Where(fmt.Sprintf("%s = ? AND %s < ?", c.Status, c.ClaimedAt),
			p.cfg.Status.Claimed, cutoff).
		Updates(map[string]any{
			c.Status:    p.cfg.Status.Pending,
			c.ClaimedBy: "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reset expired claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountPending returns the number of rows currently claimable, for metrics.
func (p *Provider) CountPending(ctx context.Context) (int64, error) {
	c := p.cfg.Columns
	cutoff := p.now().UTC().Add(-time.Duration(p.cfg.ClaimTimeoutSeconds) * time.Second)
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.cfg.tableRef()).
		Where(fmt.Sprintf("%s = ? OR (%s = ? AND %s < ?)", c.Status, c.Status, c.ClaimedAt),
			p.cfg.Status.Pending, p.cfg.Status.Claimed, cutoff).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
