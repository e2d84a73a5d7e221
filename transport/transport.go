package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
)

// The transport layer provides a raw, blocking byte path between a protocol
// session and the device. It knows nothing about framing or prompts.

// Channel is the duplex byte channel wrapped by a Transport: an SSH channel,
// the pipes of an SSH session, or a test fake.
//
//go:generate mockgen -destination=mocks/channel.go -package=mocks github.com/damianoneill/netdev/transport Channel
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// Config defines properties controlling transport behaviour.
type Config struct {
	// Backoff is the pause after an empty read or a write that accepted no bytes.
	Backoff time.Duration
	// WireLog, if not empty, is the path of the outbound wire log; inbound bytes are
	// logged to the same path suffixed with ".in".
	WireLog string
	// Target identifies the remote end in trace events.
	Target string
}

// DefaultConfig defines the values applied to any unspecified Config property.
var DefaultConfig = Config{
	Backoff: 100 * time.Millisecond,
}

// Transport wraps a Channel with retrying send, best-effort receive and optional
// wire logging. A Transport is not safe for concurrent use; exactly one exchange
// may be in flight at a time.
type Transport struct {
	cfg   Config
	ch    Channel
	trace *Trace
	wire  *WireLog

	closeOnce sync.Once
	closed    bool
	err       error
}

// New creates a new Transport over ch. A nil ch yields a transport that is already closed.
func New(ch Channel, cfg *Config, trace *Trace) *Transport {
	resolved := Config{}
	if cfg != nil {
		resolved = *cfg
	}
	_ = mergo.Merge(&resolved, DefaultConfig)
	if trace == nil {
		trace = NoOpLoggingHooks
	} else {
		_ = mergo.Merge(trace, NoOpLoggingHooks)
	}

	t := &Transport{cfg: resolved, ch: ch, trace: trace}
	if resolved.WireLog != "" {
		var err error
		if t.wire, err = OpenWireLog(resolved.WireLog); err != nil {
			trace.Error("open wire log", resolved.Target, err)
		}
	}
	return t
}

// Send writes all of p to the channel, retrying after a backoff whenever the channel
// accepts no bytes or reports a negative count. If the channel closes part way through, Send returns early
// without error; the caller discovers the closure through IsClosed.
func (t *Transport) Send(p []byte) error {
	for sent := 0; sent < len(p); {
		if t.IsClosed() {
			return nil
		}

		begin := time.Now()
		n, err := t.ch.Write(p[sent:])
		// A count outside 0..len is treated as nothing written.
		if n < 0 || n > len(p)-sent {
			n = 0
		}
		t.trace.WriteDone(p[sent:sent+n], n, err, time.Since(begin))
		if n > 0 {
			t.wire.out(p[sent : sent+n])
			sent += n
		}

		switch {
		case err != nil && isClosedErr(err):
			t.markClosed(err)
			return nil
		case err != nil:
			t.trace.Error("send", t.cfg.Target, err)
			return errors.Wrap(err, "channel write failed")
		case n == 0:
			t.trace.WriteStalled(t.cfg.Target, len(p)-sent)
			time.Sleep(t.cfg.Backoff)
		}
	}
	return nil
}

// Recv performs a single read of at most n bytes. An empty result on a channel that
// is still open is followed by a short backoff; the caller is expected to poll again.
// Any read failure marks the transport closed and yields whatever was read.
func (t *Transport) Recv(n int) []byte {
	if t.IsClosed() {
		return nil
	}

	buf := make([]byte, n)
	begin := time.Now()
	c, err := t.ch.Read(buf)
	t.trace.ReadDone(buf[:c], err, time.Since(begin))
	t.wire.in(buf[:c])

	if err != nil {
		if !isClosedErr(err) {
			t.trace.Error("recv", t.cfg.Target, err)
		}
		t.markClosed(err)
	} else if c == 0 {
		time.Sleep(t.cfg.Backoff)
	}
	return buf[:c]
}

// IsClosed returns true if there is no channel, or the channel has been closed or has
// reported closure.
func (t *Transport) IsClosed() bool {
	return t == nil || t.ch == nil || t.closed
}

// Err delivers the error, if any, that caused the transport to be marked closed.
func (t *Transport) Err() error {
	return t.err
}

// Close closes the channel and the wire log. It is safe to call more than once.
func (t *Transport) Close() (err error) {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		if t.ch != nil {
			err = t.ch.Close()
		}
		t.closed = true
		t.wire.Close()
		t.trace.ConnectionClosed(t.cfg.Target, err)
	})
	return err
}

func (t *Transport) markClosed(err error) {
	if !t.closed {
		t.closed = true
		t.err = err
	}
}

func isClosedErr(err error) bool {
	cause := errors.Cause(err)
	return cause == io.EOF || cause == io.ErrClosedPipe || cause == io.ErrUnexpectedEOF ||
		errors.Is(err, net.ErrClosed)
}
