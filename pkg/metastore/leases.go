package metastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TryAcquire attempts to take the lease on shardID for owner. It succeeds
// iff the shard has no lease row yet, the row is unowned, or the current
// lease has expired. On success the returned lease carries the incremented
// generation.
//
// The acquire is race-free without row locks: the guarded UPDATE matches on
// the generation read beforehand, so of two concurrent acquirers exactly one
// flips the row and the other sees zero rows affected.
func (s *Store) TryAcquire(ctx context.Context, shardID uint32, owner string, ttl time.Duration) (*ShardLease, bool, error) {
	now := s.now().UTC()
	ttlSeconds := uint32(ttl / time.Second)

	var current ShardLease
	err := s.db.WithContext(ctx).First(&current, "shard_id = ?", shardID).Error
	switch {
	case err == nil:
		// Row exists: only an expired or unowned lease can change hands.
		if !current.Expired(now) {
			return nil, false, nil
		}
		next := ShardLease{
			ShardID:     shardID,
			OwnerID:     owner,
			AcquiredAt:  now,
			HeartbeatAt: now,
			TTLSeconds:  ttlSeconds,
			Generation:  current.Generation + 1,
		}
		res := s.db.WithContext(ctx).
			Model(&ShardLease{}).
			Where("shard_id = ? AND generation = ?", shardID, current.Generation).
			Updates(map[string]any{
				"owner_id":     next.OwnerID,
				"acquired_at":  next.AcquiredAt,
				"heartbeat_at": next.HeartbeatAt,
				"ttl_seconds":  next.TTLSeconds,
				"generation":   next.Generation,
			})
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another acquirer.
			return nil, false, nil
		}
		return &next, true, nil

	case err == gorm.ErrRecordNotFound:
		lease := ShardLease{
			ShardID:     shardID,
			OwnerID:     owner,
			AcquiredAt:  now,
			HeartbeatAt: now,
			TTLSeconds:  ttlSeconds,
			Generation:  1,
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&lease)
		if res.Error != nil {
			if isUniqueConstraintError(res.Error) {
				return nil, false, nil
			}
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, false, nil
		}
		return &lease, true, nil

	default:
		return nil, false, err
	}
}

// Renew extends the lease heartbeat iff (shardID, owner, generation) still
// holds. A false return with nil error means the lease was lost.
func (s *Store) Renew(ctx context.Context, shardID uint32, owner string, generation uint64) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&ShardLease{}).
		Where("shard_id = ? AND owner_id = ? AND generation = ?", shardID, owner, generation).
		Update("heartbeat_at", s.now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release clears the lease iff still held by (owner, generation). The row
// and its generation survive so the next acquire keeps the fencing sequence
// monotonic.
func (s *Store) Release(ctx context.Context, shardID uint32, owner string, generation uint64) error {
	return s.db.WithContext(ctx).
		Model(&ShardLease{}).
		Where("shard_id = ? AND owner_id = ? AND generation = ?", shardID, owner, generation).
		Update("owner_id", "").Error
}

// GetLease returns the lease row for shardID.
func (s *Store) GetLease(ctx context.Context, shardID uint32) (*ShardLease, error) {
	var lease ShardLease
	if err := s.db.WithContext(ctx).First(&lease, "shard_id = ?", shardID).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &lease, nil
}

// ListExpiredLeases returns all owned leases whose heartbeat has lapsed at
// now. Expiry arithmetic happens in Go because the ttl lives per row; the
// lease table is one row per shard, small enough to scan.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]ShardLease, error) {
	var all []ShardLease
	if err := s.db.WithContext(ctx).Where("owner_id <> ''").Find(&all).Error; err != nil {
		return nil, err
	}
	var expired []ShardLease
	for _, l := range all {
		if l.Expired(now.UTC()) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

// HasActiveLease reports whether owner currently holds any unexpired lease.
// Recovery uses it to decide whether a claimed source row is orphaned.
func (s *Store) HasActiveLease(ctx context.Context, owner string) (bool, error) {
	var leases []ShardLease
	if err := s.db.WithContext(ctx).Where("owner_id = ?", owner).Find(&leases).Error; err != nil {
		return false, err
	}
	now := s.now().UTC()
	for _, l := range leases {
		if !l.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}
