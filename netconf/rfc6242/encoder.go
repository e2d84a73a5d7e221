// Copyright 2018 Andrew Fort
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package rfc6242

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// NewEncoder returns a new RFC6242 transport encoding writer with underlying
// writer output, configured with any options provided.
func NewEncoder(output io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{Output: output, MaxChunkSize: rfc6242maximumAllowedChunkSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithMaximumChunkSize bounds the size of each chunk written in chunked mode.
func WithMaximumChunkSize(size uint32) EncoderOption {
	return func(e *Encoder) {
		e.MaxChunkSize = size
	}
}

// Encoder is a filtering writer. By default it acts as a pass through writer.
// If chunked mode is enabled (see SetChunkedFraming), input to Write calls
// is chunked and the RFC6242 chunked encoding output written to the underlying
// writer.
type Encoder struct {
	// Output is the underlying Writer to receive encoded output
	Output io.Writer
	// ChunkedFraming sets whether the next call to Write should use
	// chunked-message framing (true) or end-of-message framing (false)
	ChunkedFraming bool
	// MaxChunkSize is the maximum size of chunks the encoder will Encode.
	MaxChunkSize uint32
}

// Write writes the framed output for b to the underlying writer
func (e *Encoder) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	if e.ChunkedFraming {
		return e.writeChunked(b)
	}
	return e.Output.Write(b)
}

// EndOfMessage must be called after each conceptual message (or XML document) is
// written to the Encoder. It writes the appropriate NETCONF message ending,
// either "]]>]]>" or if chunked framing is enabled, "\n##\n".
func (e *Encoder) EndOfMessage() error {
	var err error
	if e.ChunkedFraming {
		_, err = e.Output.Write(tokenEndOfChunks)
	} else {
		_, err = e.Output.Write(tokenEOM)
	}
	return err
}

// Encode writes msg followed by the message ending. Chunked framing carries at least
// one chunk of at least one byte, so an empty msg is refused in chunked mode and
// nothing is written.
func (e *Encoder) Encode(msg []byte) error {
	if e.ChunkedFraming && len(msg) == 0 {
		return errors.Wrap(ErrFraming, "empty message cannot be chunk framed")
	}
	if _, err := e.Write(msg); err != nil {
		return err
	}
	return e.EndOfMessage()
}

func (e *Encoder) writeChunked(b []byte) (n int, err error) {
	// encode b, in chunks, to the underlying writer
	for n < len(b) {
		chunksize := len(b) - n
		if e.MaxChunkSize > 0 && uint64(chunksize) > uint64(e.MaxChunkSize) {
			chunksize = int(e.MaxChunkSize)
		}

		// chunk encoding:
		// \n#<x>\n<x bytes data...>
		header := make([]byte, 0, len(tokenChunkStart)+rfc6242maximumAllowedChunkSizeLength+1)
		header = append(header, tokenChunkStart...)
		header = strconv.AppendInt(header, int64(chunksize), 10)
		header = append(header, '\n')
		if _, err = e.Output.Write(header); err != nil {
			break
		}

		// io.Writer requires not returning nil error for short writes,
		// so we do not check for them.
		var wn int
		wn, err = e.Output.Write(b[n : n+chunksize])
		n += wn
		if err != nil {
			break
		}
	}
	return
}

// EncodeEOM delivers msg framed with the end-of-message delimiter.
func EncodeEOM(msg []byte) []byte {
	return frame(msg, false)
}

// EncodeChunked delivers msg framed as a single chunk followed by end-of-chunks.
// An empty msg delivers nothing.
func EncodeChunked(msg []byte) []byte {
	return frame(msg, true)
}

func frame(msg []byte, chunked bool) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.ChunkedFraming = chunked
	_ = e.Encode(msg)
	return buf.Bytes()
}
