package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct tags (validate:"...") cover the declarative rules; component
// sections that carry their own Validate method are checked through it so
// the rules live next to the code they protect.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %s: failed %q rule", e.Namespace(), e.Tag())
		}
		return err
	}

	if err := cfg.Metastore.Validate(); err != nil {
		return fmt.Errorf("metastore: %w", err)
	}
	if err := cfg.Packer.Validate(); err != nil {
		return err
	}
	if err := cfg.Ops.Validate(); err != nil {
		return fmt.Errorf("ops: %w", err)
	}
	for i := range cfg.Sources {
		if err := cfg.Sources[i].Validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}

	if cfg.PodOrdinal < 0 || cfg.PodOrdinal >= cfg.PodCount {
		return fmt.Errorf("pod_ordinal %d outside [0, %d)", cfg.PodOrdinal, cfg.PodCount)
	}

	if cfg.IndexCache.Backend == "badger" && cfg.IndexCache.Path == "" {
		return fmt.Errorf("index_cache: path is required for the badger backend")
	}

	// Source shard spaces must agree with the packer's, or claimed rows
	// would route to shards no lease covers.
	for i := range cfg.Sources {
		if cfg.Sources[i].ShardBits != cfg.Packer.ShardBits {
			return fmt.Errorf("source %q: shard_bits %d differs from packer shard_bits %d",
				cfg.Sources[i].Name, cfg.Sources[i].ShardBits, cfg.Packer.ShardBits)
		}
	}

	return nil
}
