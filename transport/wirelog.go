package transport

import (
	"os"
)

// WireLog records the raw bytes exchanged over a transport: outbound bytes to one
// file and inbound bytes to a second file with the ".in" suffix.
// Logging is best effort. Write failures are dropped so that they can never
// interfere with the transport itself. A nil *WireLog discards everything.
type WireLog struct {
	outbound *os.File
	inbound  *os.File
}

// OpenWireLog opens (creating or appending to) path and path+".in".
func OpenWireLog(path string) (*WireLog, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	in, err := os.OpenFile(path+".in", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	return &WireLog{outbound: out, inbound: in}, nil
}

func (w *WireLog) out(p []byte) {
	if w == nil || len(p) == 0 {
		return
	}
	_, _ = w.outbound.Write(p)
}

func (w *WireLog) in(p []byte) {
	if w == nil || len(p) == 0 {
		return
	}
	_, _ = w.inbound.Write(p)
}

// Close closes both log files.
func (w *WireLog) Close() {
	if w == nil {
		return
	}
	_ = w.outbound.Close()
	_ = w.inbound.Close()
}
