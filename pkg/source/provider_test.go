package source

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/pkg/objstore/memory"
	"github.com/datavision/easystore/pkg/sharding"
)

const testTableDDL = `
CREATE TABLE files (
	id          INTEGER PRIMARY KEY,
	bucket      TEXT NOT NULL,
	object_key  TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	claimed_at  DATETIME,
	claimed_by  TEXT,
	packed_into TEXT,
	last_error  TEXT,
	patient_id  TEXT,
	modality    TEXT
)`

func testConfig() Config {
	return Config{
		Name:    "pacs",
		Dialect: DialectSQLite,
		DSN:     ":memory:",
		Table:   "files",
		Columns: ColumnMapping{
			Key:         "object_key",
			ContainerID: "packed_into",
			Error:       "last_error",
		},
		ShardBits:           1,
		BatchSize:           10,
		ClaimTimeoutSeconds: 900,
	}
}

func newTestProvider(t *testing.T, cfg Config, objects *memory.Store) *Provider {
	t.Helper()

	// An in-memory sqlite database exists per connection, so pin the pool
	// to a single connection, create the table on it, then run the column
	// verification New would normally do at connect time.
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	p, err := newUnverified(cfg, objects, "pod-test")
	require.NoError(t, err)

	sqlDB, err := p.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, p.db.Exec(testTableDDL).Error)
	require.NoError(t, p.verifyColumns())

	t.Cleanup(func() { _ = p.Close() })
	return p
}

type seedRow struct {
	id        int
	bucket    string
	key       string
	size      int64
	status    string
	createdAt time.Time
	claimedAt *time.Time
	claimedBy string
	patientID string
	modality  string
}

func seed(t *testing.T, p *Provider, rows ...seedRow) {
	t.Helper()
	for _, r := range rows {
		err := p.db.Exec(
			`INSERT INTO files (id, bucket, object_key, size_bytes, status, created_at,
				claimed_at, claimed_by, patient_id, modality)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.id, r.bucket, r.key, r.size, r.status, r.createdAt,
			r.claimedAt, r.claimedBy, r.patientID, r.modality,
		).Error
		require.NoError(t, err)
	}
}

func rowStatus(t *testing.T, p *Provider, id int) (status, claimedBy string) {
	t.Helper()
	row := map[string]any{}
	require.NoError(t, p.db.Raw("SELECT status, claimed_by FROM files WHERE id = ?", id).Scan(&row).Error)
	status, _ = toString(row["status"])
	claimedBy, _ = toString(row["claimed_by"])
	return status, claimedBy
}

// shardOf mirrors the provider's routing so tests can group rows by shard
// without pinning hash values.
func shardOf(key string, bits uint8) uint64 {
	return sharding.Hash(key, bits)
}

func TestConfigValidate(t *testing.T) {
	t.Run("MissingName", func(t *testing.T) {
		cfg := testConfig()
		cfg.Name = ""
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("MissingTable", func(t *testing.T) {
		cfg := testConfig()
		cfg.Table = ""
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownDialect", func(t *testing.T) {
		cfg := testConfig()
		cfg.Dialect = "db2"
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("OracleNeedsDialector", func(t *testing.T) {
		cfg := testConfig()
		cfg.Dialect = DialectOracle
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("ShardBitsTooWide", func(t *testing.T) {
		cfg := testConfig()
		cfg.ShardBits = 33
		cfg.ApplyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg := Config{Name: "x", Dialect: DialectSQLite, DSN: ":memory:", Table: "t"}
		cfg.ApplyDefaults()
		assert.Equal(t, "id", cfg.Columns.ID)
		assert.Equal(t, "claimed_at", cfg.Columns.ClaimedAt)
		assert.Equal(t, "pending", cfg.Status.Pending)
		assert.Equal(t, uint8(8), cfg.ShardBits)
		assert.Equal(t, 900, cfg.ClaimTimeoutSeconds)
	})
}

func TestNewRejectsBadColumnMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Columns.SizeBytes = "no_such_column"
	objects := memory.New()

	p, err := newUnverified(cfg.withDefaults(t), objects, "pod-test")
	require.NoError(t, err)
	defer p.Close()

	sqlDB, err := p.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, p.db.Exec(testTableDDL).Error)

	assert.Error(t, p.verifyColumns())
}

func (c Config) withDefaults(t *testing.T) Config {
	t.Helper()
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	return c
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("OnlyRequestedShards", func(t *testing.T) {
		p := newTestProvider(t, testConfig(), memory.New())
		seed(t, p,
			seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "pending", createdAt: base},
			seedRow{id: 2, bucket: "raw", key: "b.txt", size: 20, status: "pending", createdAt: base},
			seedRow{id: 3, bucket: "raw", key: "c.txt", size: 30, status: "pending", createdAt: base},
			seedRow{id: 4, bucket: "raw", key: "d.txt", size: 40, status: "pending", createdAt: base},
		)

		files, err := p.Claim(ctx, 10, []uint64{0})
		require.NoError(t, err)

		for _, pf := range files {
			assert.Equal(t, uint64(0), pf.Shard)
			assert.Equal(t, uint64(0), shardOf(pf.Key, 1))
			assert.Equal(t, "pacs", pf.Source)

			status, owner := rowStatus(t, p, mustAtoi(t, pf.ID))
			assert.Equal(t, "claimed", status)
			assert.Equal(t, "pod-test", owner)
		}

		// Rows routed to shard 1 stay pending.
		var untouched int
		for id, key := range map[int]string{1: "a.txt", 2: "b.txt", 3: "c.txt", 4: "d.txt"} {
			if shardOf(key, 1) == 1 {
				status, _ := rowStatus(t, p, id)
				assert.Equal(t, "pending", status)
				untouched++
			}
		}
		assert.Equal(t, 4, len(files)+untouched)
	})

	t.Run("BatchSizeRespected", func(t *testing.T) {
		p := newTestProvider(t, testConfig(), memory.New())
		for i := 1; i <= 8; i++ {
			seed(t, p, seedRow{
				id: i, bucket: "raw", key: fmt.Sprintf("f%d", i), size: 1,
				status: "pending", createdAt: base.Add(time.Duration(i) * time.Second),
			})
		}

		files, err := p.Claim(ctx, 3, []uint64{0, 1})
		require.NoError(t, err)
		assert.Len(t, files, 3)

		// Oldest rows first.
		for i := 1; i < len(files); i++ {
			assert.False(t, files[i].CreatedAt.Before(files[i-1].CreatedAt))
		}
	})

	t.Run("FreshClaimSkippedExpiredReclaimed", func(t *testing.T) {
		p := newTestProvider(t, testConfig(), memory.New())
		fresh := base.Add(-time.Minute)
		expired := base.Add(-time.Hour)
		seed(t, p,
			seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "claimed",
				createdAt: base.Add(-2 * time.Hour), claimedAt: &fresh, claimedBy: "other-pod"},
			seedRow{id: 2, bucket: "raw", key: "b.txt", size: 20, status: "claimed",
				createdAt: base.Add(-2 * time.Hour), claimedAt: &expired, claimedBy: "dead-pod"},
		)
		p.now = func() time.Time { return base }

		files, err := p.Claim(ctx, 10, []uint64{0, 1})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "2", files[0].ID)

		_, owner := rowStatus(t, p, 2)
		assert.Equal(t, "pod-test", owner)
		_, owner = rowStatus(t, p, 1)
		assert.Equal(t, "other-pod", owner)
	})

	t.Run("ShardKeyColumnRoutes", func(t *testing.T) {
		cfg := testConfig()
		cfg.Columns.ShardKey = "patient_id"
		p := newTestProvider(t, cfg, memory.New())
		seed(t, p,
			seedRow{id: 1, bucket: "raw", key: "scan1.dcm", size: 10, status: "pending",
				createdAt: base, patientID: "patient-7"},
			seedRow{id: 2, bucket: "raw", key: "scan2.dcm", size: 10, status: "pending",
				createdAt: base, patientID: ""},
		)

		want := shardOf("patient-7", 1)
		files, err := p.Claim(ctx, 10, []uint64{0, 1})
		require.NoError(t, err)
		require.Len(t, files, 2)

		byID := map[string]PendingFile{}
		for _, pf := range files {
			byID[pf.ID] = pf
		}
		assert.Equal(t, "patient-7", byID["1"].ShardKey)
		assert.Equal(t, want, byID["1"].Shard)
		// Empty routing value falls back to the object key.
		assert.Equal(t, "scan2.dcm", byID["2"].ShardKey)
	})

	t.Run("WhereClauseFilters", func(t *testing.T) {
		cfg := testConfig()
		cfg.WhereClause = "modality = 'CT'"
		p := newTestProvider(t, cfg, memory.New())
		seed(t, p,
			seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "pending",
				createdAt: base, modality: "CT"},
			seedRow{id: 2, bucket: "raw", key: "b.txt", size: 10, status: "pending",
				createdAt: base, modality: "MR"},
		)

		files, err := p.Claim(ctx, 10, []uint64{0, 1})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "1", files[0].ID)
	})

	t.Run("MetadataColumnsProjected", func(t *testing.T) {
		cfg := testConfig()
		cfg.MetadataColumns = map[string]string{
			"patient": "patient_id",
			"mode":    "modality",
		}
		p := newTestProvider(t, cfg, memory.New())
		seed(t, p, seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "pending",
			createdAt: base, patientID: "patient-7", modality: "CT"})

		files, err := p.Claim(ctx, 10, []uint64{0, 1})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "patient-7", files[0].Metadata["patient"])
		assert.Equal(t, "CT", files[0].Metadata["mode"])
	})

	t.Run("NoShardsNoRows", func(t *testing.T) {
		p := newTestProvider(t, testConfig(), memory.New())
		seed(t, p, seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10,
			status: "pending", createdAt: base})

		files, err := p.Claim(ctx, 10, nil)
		require.NoError(t, err)
		assert.Empty(t, files)

		files, err = p.Claim(ctx, 0, []uint64{0})
		require.NoError(t, err)
		assert.Empty(t, files)
	})
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	objects := memory.New()
	require.NoError(t, objects.Put(ctx, "raw", "a.txt", bytes.NewReader([]byte("payload")), 7))

	p := newTestProvider(t, testConfig(), objects)

	data, err := p.Fetch(ctx, PendingFile{Bucket: "raw", Key: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = p.Fetch(ctx, PendingFile{Bucket: "raw", Key: "missing"})
	assert.Error(t, err)
}

func TestFileMeta(t *testing.T) {
	p := newTestProvider(t, testConfig(), memory.New())

	meta := p.FileMeta(PendingFile{
		Source: "pacs", ID: "42", Bucket: "raw", Key: "scan.dcm",
		Metadata: map[string]any{"patient": "patient-7"},
	})
	assert.Equal(t, "pacs", meta["source_db"])
	assert.Equal(t, "42", meta["source_file_id"])
	assert.Equal(t, "raw", meta["original_bucket"])
	assert.Equal(t, "scan.dcm", meta["original_key"])
	assert.Equal(t, "patient-7", meta["patient"])
}

func TestMarkPacked(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	p := newTestProvider(t, testConfig(), memory.New())
	seed(t, p, seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10,
		status: "pending", createdAt: base})

	files, err := p.Claim(ctx, 10, []uint64{0, 1})
	require.NoError(t, err)
	require.Len(t, files, 1)

	ok, err := p.MarkPacked(ctx, files[0], "C_20250115_0123456789ab_00")
	require.NoError(t, err)
	assert.True(t, ok)

	row := map[string]any{}
	require.NoError(t, p.db.Raw("SELECT status, packed_into FROM files WHERE id = 1").Scan(&row).Error)
	status, _ := toString(row["status"])
	packedInto, _ := toString(row["packed_into"])
	assert.Equal(t, "packed", status)
	assert.Equal(t, "C_20250115_0123456789ab_00", packedInto)

	// Settling twice reports the claim already gone.
	ok, err = p.MarkPacked(ctx, files[0], "C_20250115_0123456789ab_00")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkPackedLostClaim(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	p := newTestProvider(t, testConfig(), memory.New())
	seed(t, p, seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10,
		status: "pending", createdAt: base})

	files, err := p.Claim(ctx, 10, []uint64{0, 1})
	require.NoError(t, err)
	require.Len(t, files, 1)

	// Another pod re-claimed the row after this pod's claim timed out.
	require.NoError(t, p.db.Exec("UPDATE files SET claimed_by = 'successor-pod' WHERE id = 1").Error)

	ok, err := p.MarkPacked(ctx, files[0], "C_20250115_0123456789ab_00")
	require.NoError(t, err)
	assert.False(t, ok)

	_, owner := rowStatus(t, p, 1)
	assert.Equal(t, "successor-pod", owner)
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	p := newTestProvider(t, testConfig(), memory.New())
	seed(t, p, seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10,
		status: "pending", createdAt: base})

	files, err := p.Claim(ctx, 10, []uint64{0, 1})
	require.NoError(t, err)
	require.Len(t, files, 1)

	ok, err := p.MarkFailed(ctx, files[0], "object missing from source bucket")
	require.NoError(t, err)
	assert.True(t, ok)

	row := map[string]any{}
	require.NoError(t, p.db.Raw("SELECT status, last_error FROM files WHERE id = 1").Scan(&row).Error)
	status, _ := toString(row["status"])
	lastErr, _ := toString(row["last_error"])
	assert.Equal(t, "failed", status)
	assert.Equal(t, "object missing from source bucket", lastErr)
}

func TestResetExpiredClaims(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	p := newTestProvider(t, testConfig(), memory.New())
	fresh := base.Add(-time.Minute)
	expired := base.Add(-time.Hour)
	seed(t, p,
		seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "claimed",
			createdAt: base.Add(-2 * time.Hour), claimedAt: &fresh, claimedBy: "live-pod"},
		seedRow{id: 2, bucket: "raw", key: "b.txt", size: 20, status: "claimed",
			createdAt: base.Add(-2 * time.Hour), claimedAt: &expired, claimedBy: "dead-pod"},
		seedRow{id: 3, bucket: "raw", key: "c.txt", size: 30, status: "packed",
			createdAt: base.Add(-2 * time.Hour), claimedAt: &expired, claimedBy: "dead-pod"},
	)
	p.now = func() time.Time { return base }

	n, err := p.ResetExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, owner := rowStatus(t, p, 2)
	assert.Equal(t, "pending", status)
	assert.Empty(t, owner)

	status, owner = rowStatus(t, p, 1)
	assert.Equal(t, "claimed", status)
	assert.Equal(t, "live-pod", owner)

	status, _ = rowStatus(t, p, 3)
	assert.Equal(t, "packed", status)
}

func TestCountPending(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	p := newTestProvider(t, testConfig(), memory.New())
	expired := base.Add(-time.Hour)
	fresh := base.Add(-time.Minute)
	seed(t, p,
		seedRow{id: 1, bucket: "raw", key: "a.txt", size: 10, status: "pending", createdAt: base},
		seedRow{id: 2, bucket: "raw", key: "b.txt", size: 20, status: "claimed",
			createdAt: base, claimedAt: &expired, claimedBy: "dead-pod"},
		seedRow{id: 3, bucket: "raw", key: "c.txt", size: 30, status: "claimed",
			createdAt: base, claimedAt: &fresh, claimedBy: "live-pod"},
		seedRow{id: 4, bucket: "raw", key: "d.txt", size: 40, status: "packed", createdAt: base},
	)
	p.now = func() time.Time { return base }

	count, err := p.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := toInt64(s)
	require.NoError(t, err)
	return int(n)
}
