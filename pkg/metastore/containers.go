package metastore

import (
	"context"
	"fmt"
	"time"
)

// CreateContainer inserts a container record in state OPEN.
func (s *Store) CreateContainer(ctx context.Context, c *Container) error {
	c.State = StateOpen
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("container %s: %w", c.ContainerID, ErrConflict)
		}
		return err
	}
	return nil
}

// Checkpoint persists packing progress so a restart can account for work
// already done.
func (s *Store) Checkpoint(ctx context.Context, containerID string, fileCount, byteSize uint64) error {
	res := s.db.WithContext(ctx).
		Model(&Container{}).
		Where("container_id = ? AND state = ?", containerID, StateOpen).
		Updates(map[string]any{
			"file_count": fileCount,
			"byte_size":  byteSize,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("container %s not open: %w", containerID, ErrNotFound)
	}
	return nil
}

// MarkUploading transitions OPEN → UPLOADING before the archive PUT, so a
// crash mid-upload is distinguishable from a crash mid-pack.
func (s *Store) MarkUploading(ctx context.Context, containerID string, fileCount, byteSize uint64) error {
	res := s.db.WithContext(ctx).
		Model(&Container{}).
		Where("container_id = ? AND state = ?", containerID, StateOpen).
		Updates(map[string]any{
			"state":      StateUploading,
			"file_count": fileCount,
			"byte_size":  byteSize,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("container %s not open: %w", containerID, ErrNotFound)
	}
	return nil
}

// MarkUploaded transitions the container to COMMITTED on upload ack. Any
// non-terminal state is accepted so the recovery sweep can also salvage
// containers whose upload landed but whose ack was lost. Marking an already
// COMMITTED container is a no-op.
func (s *Store) MarkUploaded(ctx context.Context, containerID string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&Container{}).
		Where("container_id = ? AND state <> ?", containerID, StateCommitted).
		Updates(map[string]any{
			"state":        StateCommitted,
			"committed_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either missing or already committed; only the former is an error.
		var c Container
		if err := s.db.WithContext(ctx).First(&c, "container_id = ?", containerID).Error; err != nil {
			return convertNotFoundError(err)
		}
	}
	return nil
}

// Abandon transitions any non-COMMITTED container to ABANDONED. Abandoning
// a COMMITTED container is refused; abandoning an already ABANDONED one is a
// no-op.
func (s *Store) Abandon(ctx context.Context, containerID string) error {
	res := s.db.WithContext(ctx).
		Model(&Container{}).
		Where("container_id = ? AND state NOT IN ?", containerID, []string{StateCommitted, StateAbandoned}).
		Update("state", StateAbandoned)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var c Container
		if err := s.db.WithContext(ctx).First(&c, "container_id = ?", containerID).Error; err != nil {
			return convertNotFoundError(err)
		}
		if c.State == StateCommitted {
			return fmt.Errorf("container %s is committed and cannot be abandoned", containerID)
		}
	}
	return nil
}

// GetContainer returns one container record.
func (s *Store) GetContainer(ctx context.Context, containerID string) (*Container, error) {
	var c Container
	if err := s.db.WithContext(ctx).First(&c, "container_id = ?", containerID).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &c, nil
}

// ListStaleContainers returns non-COMMITTED containers created before
// now-age. ABANDONED rows are included so the sweep can delete partial
// archive objects left behind by an earlier crash.
func (s *Store) ListStaleContainers(ctx context.Context, age time.Duration) ([]Container, error) {
	cutoff := s.now().UTC().Add(-age)
	var stale []Container
	err := s.db.WithContext(ctx).
		Where("state <> ? AND created_at < ?", StateCommitted, cutoff).
		Order("created_at").
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// HasCommittedContainer reports whether owner committed any container at
// generation. Recovery uses it when reconciling orphaned claims.
func (s *Store) HasCommittedContainer(ctx context.Context, owner string, generation uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Container{}).
		Where("owner_id = ? AND generation = ? AND state = ?", owner, generation, StateCommitted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
