package metastore

import "time"

// Container lifecycle states. Only COMMITTED containers are visible to
// readers; everything else is an implementation detail of the packer and the
// recovery sweep.
const (
	StateOpen      = "OPEN"
	StateUploading = "UPLOADING"
	StateCommitted = "COMMITTED"
	StateAbandoned = "ABANDONED"
)

// ShardLease is the exclusive-writer record for one shard. A lease is held
// while heartbeat_at + ttl_seconds is in the future; generation increments on
// every successful acquire and acts as the fencing token for renew and
// release.
type ShardLease struct {
	ShardID     uint32    `gorm:"primaryKey" json:"shard_id"`
	OwnerID     string    `gorm:"size:128;index" json:"owner_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	TTLSeconds  uint32    `json:"ttl_seconds"`
	Generation  uint64    `gorm:"not null;default:0" json:"generation"`
}

// TableName returns the table name for ShardLease.
func (ShardLease) TableName() string {
	return "shard_leases"
}

// ExpiresAt returns the instant the lease lapses without a renewal.
func (l *ShardLease) ExpiresAt() time.Time {
	return l.HeartbeatAt.Add(time.Duration(l.TTLSeconds) * time.Second)
}

// Expired reports whether the lease has lapsed at now.
func (l *ShardLease) Expired(now time.Time) bool {
	return l.OwnerID == "" || now.After(l.ExpiresAt())
}

// Container is the metadata record of one archive container.
type Container struct {
	ContainerID string     `gorm:"primaryKey;size:64" json:"container_id"`
	ShardID     uint32     `gorm:"index" json:"shard_id"`
	Day         string     `gorm:"size:10;index" json:"day"` // YYYY-MM-DD
	Bucket      string     `gorm:"size:255" json:"bucket"`
	Key         string     `gorm:"size:1024" json:"key"`
	State       string     `gorm:"size:16;index;not null" json:"state"`
	FileCount   uint64     `json:"file_count"`
	ByteSize    uint64     `json:"byte_size"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`

	// Lease identity at creation time, for reconciling claims after a crash.
	OwnerID    string `gorm:"size:128;index" json:"owner_id"`
	Generation uint64 `json:"generation"`
}

// TableName returns the table name for Container.
func (Container) TableName() string {
	return "containers"
}

// Terminal reports whether the container can no longer change state.
func (c *Container) Terminal() bool {
	return c.State == StateCommitted || c.State == StateAbandoned
}

// AllModels returns every model for schema migration.
func AllModels() []any {
	return []any{
		&ShardLease{},
		&Container{},
	}
}
