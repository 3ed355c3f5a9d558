package heap

import "errors"

// ErrCorruption indicates a frame's checksum didn't match on read. Fatal for
// that read, not for the heap as a whole.
var ErrCorruption = errors.New("heap: corruption")

// ErrFrameTooLarge indicates a frame is larger than the heap's largest
// configured size class.
var ErrFrameTooLarge = errors.New("heap: frame exceeds largest size class")

// ErrUnknownLocation indicates a Location names a slab the heap doesn't have
// open, which can only happen if the Location came from a different heap.
var ErrUnknownLocation = errors.New("heap: unknown slab id")

// ErrInvalidArgument indicates a frame names a codec this build doesn't have
// registered. Unlike ErrCorruption, the frame's checksum is intact: the
// frame was simply written by a build with a codec this one doesn't know,
// a forward-compatibility case rather than on-disk damage.
var ErrInvalidArgument = errors.New("heap: invalid argument")
