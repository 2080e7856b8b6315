package source

import (
	"fmt"

	"gorm.io/gorm"
)

// Dialect selects the claim-locking behavior of a source database.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
	DialectOracle    Dialect = "oracle"

	// DialectSQLite has no row locking; claims fall back to per-row guarded
	// updates. Intended for tests.
	DialectSQLite Dialect = "sqlite"
)

// ColumnMapping maps the provider's logical fields onto the source table's
// actual column names.
type ColumnMapping struct {
	ID        string `mapstructure:"id" yaml:"id"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Key       string `mapstructure:"key" yaml:"key"`
	SizeBytes string `mapstructure:"size_bytes" yaml:"size_bytes"`
	Status    string `mapstructure:"status" yaml:"status"`
	CreatedAt string `mapstructure:"created_at" yaml:"created_at"`

	// ShardKey is optional; when empty the object key routes the row.
	ShardKey string `mapstructure:"shard_key" yaml:"shard_key"`

	// ClaimedAt and ClaimedBy carry the claim stamp. Required for the claim
	// timeout to work; defaulted to "claimed_at" / "claimed_by".
	ClaimedAt string `mapstructure:"claimed_at" yaml:"claimed_at"`
	ClaimedBy string `mapstructure:"claimed_by" yaml:"claimed_by"`

	// ContainerID, when set, records which container a packed row landed in.
	ContainerID string `mapstructure:"container_id" yaml:"container_id"`

	// Error, when set, records the failure reason of a failed row.
	Error string `mapstructure:"error" yaml:"error"`
}

// StatusValues are the literal values the status column takes in each state.
type StatusValues struct {
	Pending string `mapstructure:"pending" yaml:"pending"`
	Claimed string `mapstructure:"claimed" yaml:"claimed"`
	Packed  string `mapstructure:"packed" yaml:"packed"`
	Failed  string `mapstructure:"failed" yaml:"failed"`
}

// Config describes one source database.
type Config struct {
	// Name identifies this source in logs and in result metadata.
	Name string `mapstructure:"name" yaml:"name"`

	Dialect Dialect `mapstructure:"dialect" yaml:"dialect"`
	DSN     string  `mapstructure:"dsn" yaml:"dsn"`

	// Dialector overrides DSN-based connection, for dialects whose driver
	// the caller wires in (Oracle) and for injecting test databases.
	Dialector gorm.Dialector `mapstructure:"-" yaml:"-"`

	// Schema optionally qualifies the table name.
	Schema string `mapstructure:"schema" yaml:"schema"`
	Table  string `mapstructure:"table" yaml:"table"`

	Columns ColumnMapping `mapstructure:"columns" yaml:"columns"`
	Status  StatusValues  `mapstructure:"status_values" yaml:"status_values"`

	// MetadataColumns projects extra source columns into each file's
	// metadata, keyed by result meta name.
	MetadataColumns map[string]string `mapstructure:"metadata_columns" yaml:"metadata_columns"`

	// WhereClause is an extra SQL predicate ANDed into every claim query.
	WhereClause string `mapstructure:"where_clause" yaml:"where_clause"`

	ShardBits           uint8 `mapstructure:"shard_bits" yaml:"shard_bits"`
	BatchSize           int   `mapstructure:"batch_size" yaml:"batch_size"`
	ClaimTimeoutSeconds int   `mapstructure:"claim_timeout_seconds" yaml:"claim_timeout_seconds"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Columns.ID == "" {
		c.Columns.ID = "id"
	}
	if c.Columns.Bucket == "" {
		c.Columns.Bucket = "bucket"
	}
	if c.Columns.Key == "" {
		c.Columns.Key = "object_key"
	}
	if c.Columns.SizeBytes == "" {
		c.Columns.SizeBytes = "size_bytes"
	}
	if c.Columns.Status == "" {
		c.Columns.Status = "status"
	}
	if c.Columns.CreatedAt == "" {
		c.Columns.CreatedAt = "created_at"
	}
	if c.Columns.ClaimedAt == "" {
		c.Columns.ClaimedAt = "claimed_at"
	}
	if c.Columns.ClaimedBy == "" {
		c.Columns.ClaimedBy = "claimed_by"
	}
	if c.Status.Pending == "" {
		c.Status.Pending = "pending"
	}
	if c.Status.Claimed == "" {
		c.Status.Claimed = "claimed"
	}
	if c.Status.Packed == "" {
		c.Status.Packed = "packed"
	}
	if c.Status.Failed == "" {
		c.Status.Failed = "failed"
	}
	if c.ShardBits == 0 {
		c.ShardBits = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.ClaimTimeoutSeconds == 0 {
		c.ClaimTimeoutSeconds = 900
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if c.Table == "" {
		return fmt.Errorf("source %s: table is required", c.Name)
	}
	if c.Dialector == nil {
		switch c.Dialect {
		case DialectPostgres, DialectMySQL, DialectSQLServer, DialectSQLite:
			if c.DSN == "" {
				return fmt.Errorf("source %s: dsn is required", c.Name)
			}
		case DialectOracle:
			return fmt.Errorf("source %s: oracle requires a caller-supplied dialector", c.Name)
		default:
			return fmt.Errorf("source %s: unsupported dialect %q", c.Name, c.Dialect)
		}
	}
	if c.ShardBits > 32 {
		return fmt.Errorf("source %s: shard_bits %d exceeds 32", c.Name, c.ShardBits)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("source %s: batch_size must be positive", c.Name)
	}
	return nil
}

// tableRef returns the (optionally schema-qualified) table reference.
func (c *Config) tableRef() string {
	if c.Schema != "" {
		return c.Schema + "." + c.Table
	}
	return c.Table
}
