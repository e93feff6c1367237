// Package chunk splits a byte source into fixed-size sequential chunks.
package chunk

import (
	"errors"
	"fmt"
	"io"
)

// Chunk is one contiguous byte range of the source.
type Chunk struct {
	Index int
	Data  []byte
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int {
	return len(c.Data)
}

// Reader reads a source strictly sequentially, one chunk at a time.
// It is not restartable and not safe for concurrent use.
type Reader struct {
	source io.Reader
	size   int
	index  int
	err    error
}

// NewReader creates a Reader emitting chunks of at most size bytes.
func NewReader(source io.Reader, size int) (*Reader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", size)
	}
	return &Reader{
		source: source,
		size:   size,
	}, nil
}

// Size returns the configured chunk size.
func (r *Reader) Size() int {
	return r.size
}

// Next returns the next chunk. Only the final chunk may be shorter than the chunk size.
// Once the source is exhausted it returns io.EOF on every call; a read failure is returned
// wrapped and is sticky as well.
func (r *Reader) Next() (Chunk, error) {
	if r.err != nil {
		return Chunk{}, r.err
	}

	buf := make([]byte, r.size)
	n, err := io.ReadFull(r.source, buf)
	switch {
	case errors.Is(err, io.EOF):
		r.err = io.EOF
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// short final chunk
		r.err = io.EOF
	case err != nil:
		r.err = fmt.Errorf("read chunk %d: %w", r.index+1, err)
		return Chunk{}, r.err
	}

	c := Chunk{Index: r.index, Data: buf[:n]}
	r.index++
	return c, nil
}

// Count returns the number of chunks a source of totalSize bytes is split into.
func Count(totalSize int64, chunkSize int) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	size := int64(chunkSize)
	return int((totalSize + size - 1) / size)
}
