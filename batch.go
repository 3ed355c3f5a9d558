package melange

import (
	"github.com/melangedb/melange/internal/objectcache"
	"github.com/melangedb/melange/internal/tree"
)

// KV is one key-value pair within a [BatchOp].
type KV struct {
	Key   []byte
	Value []byte
}

// BatchOp is a set of put and delete operations applied to one tree
// atomically with respect to crash recovery: either every operation's
// effect lands in the metadata log record for the epoch it's tagged with,
// or none does.
type BatchOp struct {
	Puts    []KV
	Deletes [][]byte
}

// treeBatchFrom adapts the public batch shape into the internal tree
// package's representation.
func treeBatchFrom(puts []objectcache.Entry, deletes [][]byte) tree.Batch {
	return tree.Batch{Puts: puts, Deletes: deletes}
}
