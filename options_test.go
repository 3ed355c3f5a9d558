package melange_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/melangedb/melange"
)

func Test_DefaultOptions_Validates(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())

	if err := opts.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func Test_Validate_Rejects_Empty_Path(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions("")

	err := opts.Validate()
	if !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Validate_Rejects_Nonpositive_Cache_Capacity(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())
	opts.CacheCapacityBytes = 0

	if err := opts.Validate(); !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Validate_Rejects_Leaf_Fanout_Of_One(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())
	opts.LeafFanout = 1

	if err := opts.Validate(); !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Validate_Rejects_FlushEveryMs_And_SmartFlush_Together(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())
	opts.FlushEveryMs = 500

	if err := opts.Validate(); !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Validate_Rejects_Inverted_SmartFlush_Bounds(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())
	opts.SmartFlush.MinIntervalMs = 5000
	opts.SmartFlush.MaxIntervalMs = 100

	if err := opts.Validate(); !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Validate_Rejects_Unknown_Compression_Algorithm(t *testing.T) {
	t.Parallel()

	opts := melange.DefaultOptions(t.TempDir())
	opts.CompressionAlgorithm = "gzip"

	if err := opts.Validate(); !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_LoadOptionsFile_Standardizes_HJSON_And_Keeps_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "options.hjson")

	contents := `{
		// cache capacity is overridden, everything else keeps its default
		"cache_capacity_bytes": 1048576,
		"leaf_fanout": 64,
	}`

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := melange.LoadOptionsFile(path)
	if err != nil {
		t.Fatalf("LoadOptionsFile: %v", err)
	}

	if opts.CacheCapacityBytes != 1048576 {
		t.Errorf("CacheCapacityBytes = %d, want 1048576", opts.CacheCapacityBytes)
	}

	if opts.LeafFanout != 64 {
		t.Errorf("LeafFanout = %d, want 64", opts.LeafFanout)
	}

	if !opts.SmartFlush.Enabled {
		t.Errorf("SmartFlush.Enabled = false, want true (from DefaultOptions)")
	}

	if opts.Path != path {
		t.Errorf("Path = %q, want %q", opts.Path, path)
	}
}

func Test_LoadOptionsFile_Rejects_Malformed_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "options.hjson")

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := melange.LoadOptionsFile(path)
	if !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_LoadOptionsFile_Rejects_Missing_File(t *testing.T) {
	t.Parallel()

	_, err := melange.LoadOptionsFile(filepath.Join(t.TempDir(), "missing.hjson"))
	if !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
