package testutil

import (
	"bytes"
	"io"
	"sync"
)

// FakeChannel is an in-memory duplex channel. Reads are served from a queue of
// scripted chunks; when the queue is empty a read reports io.EOF, as a peer that
// has closed the channel would. In loopback mode every write is queued for reading.
type FakeChannel struct {
	// ReadSize, if positive, limits the number of bytes delivered by each read.
	ReadSize int
	// Loopback queues written bytes for subsequent reads.
	Loopback bool

	mu      sync.Mutex
	chunks  [][]byte
	written bytes.Buffer
	writes  []string
	closed  bool
	reads   int
}

// NewFakeChannel delivers a FakeChannel that will return chunks, one per read.
func NewFakeChannel(chunks ...string) *FakeChannel {
	f := &FakeChannel{}
	for _, c := range chunks {
		f.chunks = append(f.chunks, []byte(c))
	}
	return f
}

// NewLoopback delivers a loopback FakeChannel delivering at most readSize bytes per read.
func NewLoopback(readSize int) *FakeChannel {
	return &FakeChannel{ReadSize: readSize, Loopback: true}
}

// Push queues more data for reading.
func (f *FakeChannel) Push(chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.chunks = append(f.chunks, []byte(c))
	}
}

func (f *FakeChannel) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.closed {
		return 0, io.EOF
	}
	for len(f.chunks) > 0 && len(f.chunks[0]) == 0 {
		f.chunks = f.chunks[1:]
	}
	if len(f.chunks) == 0 {
		return 0, io.EOF
	}

	limit := len(p)
	if f.ReadSize > 0 && f.ReadSize < limit {
		limit = f.ReadSize
	}
	n := copy(p[:limit], f.chunks[0])
	f.chunks[0] = f.chunks[0][n:]
	return n, nil
}

func (f *FakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.written.Write(p)
	f.writes = append(f.writes, string(p))
	if f.Loopback {
		f.chunks = append(f.chunks, append([]byte(nil), p...))
	}
	return len(p), nil
}

// Close marks the channel closed; subsequent reads report io.EOF and writes fail.
func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Written delivers everything written to the channel.
func (f *FakeChannel) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

// Writes delivers each write call's payload in order.
func (f *FakeChannel) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Reads delivers the number of read calls made.
func (f *FakeChannel) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
