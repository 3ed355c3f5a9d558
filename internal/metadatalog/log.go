package metadatalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/melangedb/melange/internal/vfs"
)

// Log is the single-writer append-only metadata log file. The flush
// pipeline is its only writer (spec §5: "the MetadataLog is written by the
// flush pipeline only and is single-writer"); Append still takes its own
// lock since SmartFlush and an explicit Flush() call could race to append.
type Log struct {
	mu   sync.Mutex
	file vfs.File
}

// Open opens the log file at path, creating it if absent. Use [Recover] at
// startup to replay existing records before further appends.
func Open(fsys vfs.FS, path string) (*Log, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metadatalog: open %s: %w", path, err)
	}

	return &Log{file: f}, nil
}

// Append encodes and writes one record for epoch. Returns once the bytes
// are handed to the OS; durability requires a subsequent [Log.Fsync].
func (l *Log) Append(epoch uint64, tuples []Tuple) error {
	buf := EncodeRecord(epoch, tuples)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("metadatalog: append epoch %d: %w", epoch, err)
	}

	return nil
}

// Fsync commits the log file to disk.
func (l *Log) Fsync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("metadatalog: fsync: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}
