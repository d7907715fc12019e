// Package gzip provides a streaming gzip compressor used to wrap upload
// sources before they reach blob storage or the streaming ingest endpoint.
package gzip

import (
	"compress/gzip"
	"io"
	"sync/atomic"
)

// Streamer lazily gzip-compresses whatever is Reset onto it. It implements
// io.Reader so it can be handed directly to an HTTP body or a blob upload
// call without buffering the whole payload in memory.
type Streamer struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	zw *gzip.Writer

	src       io.Reader
	inputSize int64
}

// New returns a Streamer that is not yet attached to a source. Call Reset
// before reading from it.
func New() *Streamer {
	return &Streamer{}
}

// Reset attaches src as the Streamer's input, discarding any previous
// pipeline. Reset must be called before each use, including retries: a
// Streamer cannot be read twice without a Reset.
func (s *Streamer) Reset(src io.Reader) {
	s.src = src
	atomic.StoreInt64(&s.inputSize, 0)

	pr, pw := io.Pipe()
	s.pr = pr
	s.pw = pw
	s.zw = gzip.NewWriter(pw)

	go s.pump()
}

func (s *Streamer) pump() {
	counting := &countingReader{r: s.src, n: &s.inputSize}
	_, err := io.Copy(s.zw, counting)
	if err != nil {
		_ = s.zw.Close()
		_ = s.pw.CloseWithError(err)
		return
	}
	if err := s.zw.Close(); err != nil {
		_ = s.pw.CloseWithError(err)
		return
	}
	_ = s.pw.Close()
}

// Read implements io.Reader.
func (s *Streamer) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// InputSize returns the number of uncompressed bytes consumed so far. It is
// only meaningful after the Streamer has been fully drained.
func (s *Streamer) InputSize() int64 {
	return atomic.LoadInt64(&s.inputSize)
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(c.n, int64(n))
	return n, err
}

// Compress is a convenience wrapper returning a Streamer already Reset onto
// r, mirroring the single-call helper the upload path uses when it does not
// need to reuse the Streamer across retries.
func Compress(r io.Reader) *Streamer {
	s := New()
	s.Reset(r)
	return s
}
