package rewind

import (
	"fmt"
	"sync"
)

// maxCompressScratch caps the expanded delta stream on both the encode and
// decode side.
const maxCompressScratch = 256 * 1024

// Scratch buffers are pooled so independent sessions on different threads
// never collide and the steady state allocates nothing.
var scratchPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 4096)
		return &buf
	},
}

// compressInputs encodes a burst of same-width input rows against a
// reference row. Each row is XORed against the reference and the
// concatenated delta stream is run-length encoded as (count, value) byte
// pairs with 1 <= count <= 255.
//
// The reference must be non-empty and every row must match its width.
func compressInputs(ref []byte, rows [][]byte) ([]byte, error) {
	if len(ref) == 0 {
		panic("rewind: compress with empty reference input")
	}
	width := len(ref)
	if len(rows)*width > maxCompressScratch {
		return nil, fmt.Errorf("%w: %d rows of %d bytes", ErrCompressionOverflow, len(rows), width)
	}

	bufp := scratchPool.Get().(*[]byte)
	delta := (*bufp)[:0]
	defer func() {
		*bufp = delta
		scratchPool.Put(bufp)
	}()

	for _, row := range rows {
		if len(row) != width {
			panic("rewind: compress with mixed input widths")
		}
		for i := 0; i < width; i++ {
			delta = append(delta, row[i]^ref[i])
		}
	}

	out := make([]byte, 0, 64)
	for i := 0; i < len(delta); {
		v := delta[i]
		n := 1
		for i+n < len(delta) && delta[i+n] == v && n < 255 {
			n++
		}
		out = append(out, byte(n), v)
		i += n
	}
	return out, nil
}

// decompressInputs reverses compressInputs. The expanded delta stream must
// be a whole number of rows.
func decompressInputs(ref, data []byte, width int) ([][]byte, error) {
	if width == 0 {
		panic("rewind: decompress with zero input width")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("rle stream has odd length %d", len(data))
	}

	bufp := scratchPool.Get().(*[]byte)
	delta := (*bufp)[:0]
	defer func() {
		*bufp = delta
		scratchPool.Put(bufp)
	}()

	for i := 0; i < len(data); i += 2 {
		n, v := int(data[i]), data[i+1]
		if n == 0 {
			return nil, fmt.Errorf("rle run with zero count at offset %d", i)
		}
		if len(delta)+n > maxCompressScratch {
			return nil, fmt.Errorf("%w: decode past %d bytes", ErrCompressionOverflow, maxCompressScratch)
		}
		for ; n > 0; n-- {
			delta = append(delta, v)
		}
	}

	if len(delta)%width != 0 {
		return nil, fmt.Errorf("delta stream length %d is not a multiple of input width %d", len(delta), width)
	}

	rows := make([][]byte, 0, len(delta)/width)
	for off := 0; off < len(delta); off += width {
		row := make([]byte, width)
		for i := 0; i < width; i++ {
			row[i] = delta[off+i] ^ ref[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
