// Package codec implements the per-frame compression boundary described in
// spec §4.5/§6/§9: compression is a pure function pair (encode/decode) over
// byte slices, selected by a tag stored in the frame header. The engine
// never depends on a codec's internals, only on the [Codec] interface.
package codec

import "fmt"

// Algorithm identifies a compression codec by its on-disk tag (spec §6,
// frame header "compression" byte).
type Algorithm uint8

const (
	// None stores the payload uncompressed.
	None Algorithm = 0
	// LZ4 compresses the payload with LZ4 block framing.
	LZ4 Algorithm = 1
	// Zstd compresses the payload with zstd.
	Zstd Algorithm = 2
)

// String renders the algorithm the way [Options.CompressionAlgorithm] spells it.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm maps the configuration string from spec §6 to an [Algorithm].
// An unrecognized name is reported by the caller as ErrInvalidArgument; this
// function only knows about names, not engine error kinds.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression_algorithm %q", name)
	}
}

// Codec is the pure encode/decode boundary a compression algorithm must
// satisfy. Implementations must be safe for concurrent use; the flush
// pipeline calls Encode from many leaf-flushing goroutines concurrently and
// Heap calls Decode from many reader goroutines concurrently.
type Codec interface {
	Algorithm() Algorithm
	// Encode appends the compressed form of src to dst and returns the
	// result. dst may be nil.
	Encode(dst, src []byte) ([]byte, error)
	// Decode appends the decompressed form of src to dst and returns the
	// result. dst may be nil. decodedLen is the known uncompressed length
	// (recorded separately in the frame header), used to preallocate.
	Decode(dst, src []byte, decodedLen int) ([]byte, error)
}

// noneCodec is the identity codec; it exists so the frame writer/reader
// never special-cases Algorithm == None.
type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm { return None }

func (noneCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noneCodec) Decode(dst, src []byte, _ int) ([]byte, error) {
	return append(dst, src...), nil
}

// Registry resolves an [Algorithm] to a [Codec]. A database opened with a
// compression_algorithm whose codec isn't registered (i.e. wasn't compiled
// in) must fail to open with ErrInvalidArgument, per spec §9.
type Registry struct {
	codecs map[Algorithm]Codec
}

// NewRegistry returns a [Registry] with every codec compiled into this
// binary registered: none, lz4, zstd.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Algorithm]Codec, 3)}
	r.Register(noneCodec{})
	r.Register(newLZ4Codec())
	r.Register(newZstdCodec())

	return r
}

// Register adds or replaces the codec for its own [Codec.Algorithm].
func (r *Registry) Register(c Codec) {
	r.codecs[c.Algorithm()] = c
}

// Lookup returns the codec for alg, or false if it isn't registered.
func (r *Registry) Lookup(alg Algorithm) (Codec, bool) {
	c, ok := r.codecs[alg]
	return c, ok
}
