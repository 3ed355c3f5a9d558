package melange

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/melangedb/melange/internal/codec"
)

// SmartFlushOptions names the adaptive flush knobs from spec §6's
// smart_flush.* option group.
type SmartFlushOptions struct {
	Enabled                   bool    `json:"enabled"`
	BaseIntervalMs            int64   `json:"base_interval_ms"`
	MinIntervalMs             int64   `json:"min_interval_ms"`
	MaxIntervalMs             int64   `json:"max_interval_ms"`
	WriteRateThreshold        float64 `json:"write_rate_threshold"` //nolint:tagliatelle
	AccumulatedBytesThreshold int64   `json:"accumulated_bytes_threshold"`
}

// Options mirrors spec §6's configuration table field-for-field.
type Options struct {
	// Path is the directory containing the tree subdirectories, each with
	// its own slab files and metadata log.
	Path string `json:"path"`

	// CacheCapacityBytes is a soft upper bound on each tree's ObjectCache
	// memory; multi-tree databases apply it per tree, not in aggregate.
	CacheCapacityBytes int64 `json:"cache_capacity_bytes"`

	// FlushEveryMs, if non-zero, is the legacy fixed-period flush interval.
	// Mutually exclusive with SmartFlush.Enabled.
	FlushEveryMs int64 `json:"flush_every_ms,omitempty"`

	SmartFlush SmartFlushOptions `json:"smart_flush"`

	// CompressionAlgorithm is "none", "lz4", or "zstd".
	CompressionAlgorithm string `json:"compression_algorithm"`

	// LeafFanout bounds entries per leaf before a split.
	LeafFanout int `json:"leaf_fanout"`
}

// DefaultOptions returns the canonical option set from spec §6/§9, rooted
// at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:               path,
		CacheCapacityBytes: 64 << 20,
		SmartFlush: SmartFlushOptions{
			Enabled:                   true,
			BaseIntervalMs:            1000,
			MinIntervalMs:             50,
			MaxIntervalMs:             10_000,
			WriteRateThreshold:        1000,
			AccumulatedBytesThreshold: 4 << 20,
		},
		CompressionAlgorithm: "none",
		LeafFanout:           1024,
	}
}

// Validate checks opts for the malformed-option cases spec §7 names
// ErrInvalidArgument.
func (o Options) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidArgument)
	}

	if o.CacheCapacityBytes <= 0 {
		return fmt.Errorf("%w: cache_capacity_bytes must be positive", ErrInvalidArgument)
	}

	if o.LeafFanout <= 1 {
		return fmt.Errorf("%w: leaf_fanout must be greater than 1", ErrInvalidArgument)
	}

	if o.FlushEveryMs > 0 && o.SmartFlush.Enabled {
		return fmt.Errorf("%w: flush_every_ms and smart_flush.enabled are mutually exclusive", ErrInvalidArgument)
	}

	if o.SmartFlush.Enabled {
		if o.SmartFlush.MinIntervalMs <= 0 || o.SmartFlush.MaxIntervalMs < o.SmartFlush.MinIntervalMs {
			return fmt.Errorf("%w: smart_flush.min_interval_ms/max_interval_ms out of order", ErrInvalidArgument)
		}

		if o.SmartFlush.BaseIntervalMs <= 0 {
			return fmt.Errorf("%w: smart_flush.base_interval_ms must be positive", ErrInvalidArgument)
		}
	}

	if _, err := codec.ParseAlgorithm(o.CompressionAlgorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return nil
}

// algorithm resolves the parsed, validated compression algorithm.
func (o Options) algorithm() codec.Algorithm {
	alg, _ := codec.ParseAlgorithm(o.CompressionAlgorithm)
	return alg
}

// LoadOptionsFile reads an HJSON (JSON-with-comments) options file at path,
// standardizing it to plain JSON before unmarshaling, the same way the
// teacher's own config loader handles its ticket config. Fields absent from
// the file keep DefaultOptions(path)'s values.
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("%w: read options file %s: %v", ErrInvalidArgument, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("%w: invalid HJSON in %s: %v", ErrInvalidArgument, path, err)
	}

	opts := DefaultOptions(path)

	if err := json.Unmarshal(standardized, &opts); err != nil {
		return Options{}, fmt.Errorf("%w: invalid JSON in %s: %v", ErrInvalidArgument, path, err)
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}

	return opts, nil
}
