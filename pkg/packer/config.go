package packer

import (
	"fmt"
	"time"

	"github.com/datavision/easystore/internal/bytesize"
)

// Config configures the multi-shard packer control loop.
type Config struct {
	// WorkDir holds in-progress container files before upload.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	// ArchiveBucket receives committed containers and their big-file
	// sidecars.
	ArchiveBucket string `mapstructure:"archive_bucket" yaml:"archive_bucket"`

	// ShardBits is the width of the shard space (0..2^bits-1).
	ShardBits uint8 `mapstructure:"shard_bits" yaml:"shard_bits"`

	// LeaseTTL is how long a shard lease survives without a renewal. The
	// heartbeat renews at a third of this.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`

	// AcquireInterval is the pause between attempts to take an unowned
	// shard.
	AcquireInterval time.Duration `mapstructure:"acquire_interval" yaml:"acquire_interval"`

	// PollInterval is the pause when the owned shards have no pending work.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Rollover triggers: whichever hits first closes the container.
	MaxContainerBytes    bytesize.ByteSize `mapstructure:"max_container_bytes" yaml:"max_container_bytes"`
	MaxFilesPerContainer uint64            `mapstructure:"max_files_per_container" yaml:"max_files_per_container"`

	// Checkpoint cadence for persisting packing progress.
	CheckpointFiles uint64            `mapstructure:"checkpoint_files" yaml:"checkpoint_files"`
	CheckpointBytes bytesize.ByteSize `mapstructure:"checkpoint_bytes" yaml:"checkpoint_bytes"`

	// MaxBatchSize caps the AIMD-controlled claim batch.
	MaxBatchSize int `mapstructure:"max_batch_size" yaml:"max_batch_size"`

	// MinCommitFiles is the smallest container worth finalizing on
	// shutdown; anything smaller is aborted and its claims revert via
	// recovery.
	MinCommitFiles uint64 `mapstructure:"min_commit_files" yaml:"min_commit_files"`

	// ShutdownGrace bounds finalize-and-upload work after a shutdown
	// signal.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`

	// BigFileThreshold diverts larger payloads to the sidecar. Zero keeps
	// the writer default (100 MiB).
	BigFileThreshold bytesize.ByteSize `mapstructure:"big_file_threshold" yaml:"big_file_threshold"`

	// MaxRetries caps transient-error retries on storage calls.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = "/var/tmp/easystore"
	}
	if c.ShardBits == 0 {
		c.ShardBits = 8
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.AcquireInterval == 0 {
		c.AcquireInterval = 15 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxContainerBytes == 0 {
		c.MaxContainerBytes = 1 << 30 // 1 GiB
	}
	if c.MaxFilesPerContainer == 0 {
		c.MaxFilesPerContainer = 10000
	}
	if c.CheckpointFiles == 0 {
		c.CheckpointFiles = 100
	}
	if c.CheckpointBytes == 0 {
		c.CheckpointBytes = 64 << 20 // 64 MiB
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 100
	}
	if c.MinCommitFiles == 0 {
		c.MinCommitFiles = 1
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ArchiveBucket == "" {
		return fmt.Errorf("packer: archive_bucket is required")
	}
	if c.ShardBits > 32 {
		return fmt.Errorf("packer: shard_bits %d exceeds 32", c.ShardBits)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("packer: max_batch_size must be positive")
	}
	if c.LeaseTTL < 3*time.Second {
		return fmt.Errorf("packer: lease_ttl %s is below the 3s minimum", c.LeaseTTL)
	}
	return nil
}
