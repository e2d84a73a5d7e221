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

	"github.com/pkg/errors"
)

// The decoding side is expressed as pure functions over an owned, growing receive
// buffer. Each function reports how much of the buffer it consumed; the caller keeps
// the remainder, which may already hold the start of the next message.

// ErrFraming is the cause of every framing violation. A framing violation on a
// live connection is not recoverable.
var ErrFraming = errors.New("netconf framing error")

var (
	tokenEOM         = []byte("]]>]]>")
	tokenChunkStart  = []byte("\n#")
	tokenEndOfChunks = []byte("\n##\n")
)

const (
	// RFC6242 section 4.2 defines the "maximum allowed chunk-size".
	rfc6242maximumAllowedChunkSize = 4294967295
	// the length of `rfc6242maximumAllowedChunkSize` in bytes on the wire.
	rfc6242maximumAllowedChunkSizeLength = 10
)

// SplitEOM searches the whole of buf for the end-of-message delimiter. If found, it
// returns the message preceding the delimiter and the number of bytes consumed,
// delimiter included. ok is false if buf does not yet hold a complete message.
func SplitEOM(buf []byte) (msg []byte, consumed int, ok bool) {
	idx := bytes.Index(buf, tokenEOM)
	if idx < 0 {
		return nil, 0, false
	}
	return buf[:idx], idx + len(tokenEOM), true
}

// ParseChunkHeader parses a chunk header ("\n#<size>\n") or the end-of-chunks
// marker ("\n##\n") at the start of buf.
//
// consumed is zero if buf holds a valid but incomplete header, and more input is needed.
// Otherwise consumed is the header length and size is the chunk size, or zero
// for end-of-chunks.
func ParseChunkHeader(buf []byte) (size uint64, consumed int, err error) {
	if len(buf) < len(tokenChunkStart) {
		if !bytes.HasPrefix(tokenChunkStart, buf) {
			return 0, 0, errors.Wrapf(ErrFraming, "invalid chunk header %q", buf)
		}
		return 0, 0, nil
	}
	if !bytes.HasPrefix(buf, tokenChunkStart) {
		return 0, 0, errors.Wrapf(ErrFraming, "invalid chunk header %q", truncate(buf))
	}

	header := buf[len(tokenChunkStart):]
	nl := bytes.IndexByte(header, '\n')
	if nl < 0 {
		if len(header) > rfc6242maximumAllowedChunkSizeLength {
			return 0, 0, errors.Wrap(ErrFraming, "no valid chunk-size detected")
		}
		return 0, 0, nil
	}

	token := header[:nl]
	consumed = len(tokenChunkStart) + nl + 1
	if len(token) == 1 && token[0] == '#' {
		return 0, consumed, nil
	}

	size, err = parseChunkSize(token)
	if err != nil {
		return 0, 0, err
	}
	return size, consumed, nil
}

// parseChunkSize parses chunk-size = [1-9][0-9]*, bounded by the RFC6242 maximum.
func parseChunkSize(token []byte) (uint64, error) {
	if len(token) == 0 || len(token) > rfc6242maximumAllowedChunkSizeLength || token[0] == '0' {
		return 0, errors.Wrapf(ErrFraming, "no valid chunk-size detected in %q", token)
	}
	var size uint64
	for _, c := range token {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrFraming, "invalid chunk header %q", token)
		}
		size = size*10 + uint64(c-'0')
	}
	if size > rfc6242maximumAllowedChunkSize {
		return 0, errors.Wrapf(ErrFraming, "chunk size larger than maximum (%d)", rfc6242maximumAllowedChunkSize)
	}
	return size, nil
}

func truncate(b []byte) []byte {
	const limit = 16
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
