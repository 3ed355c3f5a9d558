package metadatalog

import (
	"fmt"
	"os"

	"github.com/melangedb/melange/internal/vfs"
)

// Record is one replayed flush epoch's tuples.
type Record struct {
	Epoch  uint64
	Tuples []Tuple
}

// Recover scans path forward from the start, decoding records until the
// first one fails its checksum or is truncated (spec §7: "discarding
// trailing corrupt or partial records"). Everything before that point is
// returned as committed; the file is truncated to drop the corrupt tail so
// later appends don't leave it stranded ahead of new valid records.
//
// maxObjectID is the largest ObjectId seen across every tuple in every
// committed record, used to seed [heap.Heap.SeedObjectIDCounter].
func Recover(fsys vfs.FS, path string) (records []Record, maxObjectID uint64, err error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, 0, fmt.Errorf("metadatalog: stat %s: %w", path, err)
	}

	if !exists {
		return nil, 0, nil
	}

	buf, err := fsys.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("metadatalog: read %s: %w", path, err)
	}

	validLen := 0

	for validLen < len(buf) {
		epoch, tuples, consumed, decodeErr := DecodeRecord(buf[validLen:])
		if decodeErr != nil {
			break
		}

		records = append(records, Record{Epoch: epoch, Tuples: tuples})

		for _, t := range tuples {
			if t.ObjectID > maxObjectID {
				maxObjectID = t.ObjectID
			}
		}

		validLen += consumed
	}

	if validLen < len(buf) {
		if err := truncateTrailingGarbage(fsys, path, int64(validLen)); err != nil {
			return nil, 0, err
		}
	}

	return records, maxObjectID, nil
}

func truncateTrailingGarbage(fsys vfs.FS, path string, validLen int64) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("metadatalog: reopen %s for truncate: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(validLen); err != nil {
		return fmt.Errorf("metadatalog: truncate %s to %d: %w", path, validLen, err)
	}

	return f.Sync()
}
