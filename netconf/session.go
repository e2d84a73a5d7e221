package netconf

import (
	"bytes"
	"context"
	"encoding/xml"
	"sync"

	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"github.com/damianoneill/netdev/netconf/rfc6242"
	"github.com/damianoneill/netdev/transport"
)

// SubsystemName is the SSH subsystem bound to a NETCONF channel.
const SubsystemName = "netconf"

// ErrFraming is the cause of a framing violation detected in a received message.
// A session that reports it must be closed.
var ErrFraming = rfc6242.ErrFraming

// Level is the session-wide framing level.
type Level int

// Framing levels.
const (
	// Base10 is end-of-message framing, in force until both peers advertise base:1.1.
	Base10 Level = iota
	// Base11 is RFC 6242 chunked framing.
	Base11
)

func (l Level) String() string {
	if l == Base11 {
		return "1.1"
	}
	return "1.0"
}

// State is the stage of the session lifecycle.
type State int

// Session states, in lifecycle order.
const (
	Connecting State = iota
	HelloExchanged
	Negotiated
	Exchanging
	Closed
)

var stateNames = []string{"Connecting", "HelloExchanged", "Negotiated", "Exchanging", "Closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// SubsystemOpener opens a channel bound to an SSH subsystem. It is implemented by
// *transport.SSHSession.
type SubsystemOpener interface {
	Subsystem(name string) (transport.Channel, error)
	Target() string
}

// Session is a NETCONF session over a dedicated subsystem channel. It provides
// message framing only. A Session is not safe for concurrent use.
type Session struct {
	cfg    Config
	target string
	trace  *transport.Trace
	t      *transport.Transport
	owned  *transport.SSHSession

	state State
	level Level
	enc   *rfc6242.Encoder
	out   bytes.Buffer
	buf   []byte

	closeOnce sync.Once
}

// Dial connects to the device described by cfg, opens the netconf subsystem and
// exchanges hello messages, delivering the peer's raw hello. SSH handshake and
// authentication failures are returned unchanged.
//
// The returned session owns the SSH connection; Close tears down both.
func Dial(ctx context.Context, cfg *Config, hello []byte) (*Session, []byte, error) {
	resolved := resolve(cfg)

	sshSession, err := transport.Dial(ctx, &resolved.SSHConfig)
	if err != nil {
		return nil, nil, err
	}

	s, peer, err := NewSession(ctx, sshSession, &resolved, hello)
	if err != nil {
		_ = sshSession.Close()
		return nil, nil, err
	}
	s.owned = sshSession
	return s, peer, nil
}

// NewSession opens the netconf subsystem over an existing SSH connection and exchanges
// hello messages, delivering the peer's raw hello. The caller keeps ownership of the
// connection represented by opener.
func NewSession(ctx context.Context, opener SubsystemOpener, cfg *Config, hello []byte) (*Session, []byte, error) {
	resolved := resolve(cfg)

	ch, err := opener.Subsystem(SubsystemName)
	if err != nil {
		return nil, nil, err
	}

	s := newSession(ctx, ch, opener.Target(), &resolved)
	peer, err := s.exchangeHello(hello)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, peer, nil
}

func newSession(ctx context.Context, ch transport.Channel, target string, cfg *Config) *Session {
	trace := transport.ContextTrace(ctx)
	s := &Session{
		cfg:    *cfg,
		target: target,
		trace:  trace,
		t: transport.New(ch, &transport.Config{
			Backoff: cfg.Backoff,
			WireLog: cfg.WireLog,
			Target:  target,
		}, trace),
		state: Connecting,
	}
	var opts []rfc6242.EncoderOption
	if cfg.MaxChunkSize > 0 {
		opts = append(opts, rfc6242.WithMaximumChunkSize(cfg.MaxChunkSize))
	}
	s.enc = rfc6242.NewEncoder(&s.out, opts...)
	return s
}

func resolve(cfg *Config) Config {
	resolved := Config{}
	if cfg != nil {
		resolved = *cfg
	}
	_ = mergo.Merge(&resolved, DefaultConfig)
	return resolved
}

// The local hello always goes out with end-of-message framing, as the level is not yet known.
func (s *Session) exchangeHello(hello []byte) ([]byte, error) {
	if err := s.send(hello); err != nil {
		return nil, errors.Wrap(err, "failed to send hello")
	}
	peer, err := s.Receive()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hello")
	}
	s.state = HelloExchanged
	s.trace.HelloDone(s.target, peer)
	return peer, nil
}

// SetLevel fixes the framing level applied to every subsequent message.
func (s *Session) SetLevel(l Level) {
	s.level = l
	if l == Base11 {
		rfc6242.SetChunkedFraming(s.enc)
	} else {
		rfc6242.ClearChunkedFraming(s.enc)
	}
	if s.state < Negotiated {
		s.state = Negotiated
	}
}

// Level delivers the framing level in force.
func (s *Session) Level() Level {
	return s.level
}

// State delivers the current lifecycle stage.
func (s *Session) State() State {
	if s.state != Closed && s.t.IsClosed() {
		return Closed
	}
	return s.state
}

// Target delivers the address of the remote device.
func (s *Session) Target() string {
	return s.target
}

// IsClosed returns true if the session has been closed, or the peer has closed the channel.
func (s *Session) IsClosed() bool {
	return s == nil || s.t.IsClosed()
}

// Send frames msg at the current level and writes it to the channel.
func (s *Session) Send(msg []byte) error {
	if s.state >= HelloExchanged && s.state < Exchanging {
		s.state = Exchanging
	}
	return s.send(msg)
}

func (s *Session) send(msg []byte) error {
	s.out.Reset()
	if err := s.enc.Encode(msg); err != nil {
		return errors.Wrap(err, "failed to encode message")
	}
	return s.t.Send(s.out.Bytes())
}

// Receive delivers the next message. If the peer closes the channel before the message
// is complete, whatever was received is delivered without error. A malformed chunk
// header yields an error wrapping ErrFraming.
func (s *Session) Receive() ([]byte, error) {
	if s.level == Base11 {
		return s.receiveChunked()
	}
	return s.receiveEOM(), nil
}

func (s *Session) receiveEOM() []byte {
	for {
		if msg, consumed, ok := rfc6242.SplitEOM(s.buf); ok {
			result := append([]byte(nil), msg...)
			s.buf = s.buf[consumed:]
			return result
		}
		if s.t.IsClosed() {
			result := s.buf
			s.buf = nil
			return result
		}
		s.fill()
	}
}

func (s *Session) receiveChunked() ([]byte, error) {
	var msg []byte
	for {
		size, consumed, err := rfc6242.ParseChunkHeader(s.buf)
		if err != nil {
			return nil, err
		}

		if consumed == 0 {
			if !s.t.IsClosed() {
				s.fill()
				continue
			}
			if len(s.buf) > 0 && !bytes.HasPrefix(s.buf, []byte("\n#")) {
				return nil, errors.Wrapf(ErrFraming, "invalid chunk header %q", s.buf)
			}
			// Closed part way through a header.
			s.buf = nil
			return msg, nil
		}

		if size == 0 {
			s.buf = s.buf[consumed:]
			return msg, nil
		}

		for uint64(len(s.buf)-consumed) < size && !s.t.IsClosed() {
			s.fill()
		}
		chunk := s.buf[consumed:]
		if uint64(len(chunk)) < size {
			// Closed part way through a chunk.
			msg = append(msg, chunk...)
			s.buf = nil
			return msg, nil
		}
		msg = append(msg, chunk[:size]...)
		s.buf = chunk[size:]
	}
}

func (s *Session) fill() {
	s.buf = append(s.buf, s.t.Recv(s.cfg.ReadSize)...)
}

// Exchange sends msg and delivers the next message received.
func (s *Session) Exchange(msg []byte) ([]byte, error) {
	if err := s.Send(msg); err != nil {
		return nil, err
	}
	return s.Receive()
}

// RPC wraps body in an rpc element carrying a new message-id and sends it, delivering the
// message-id.
func (s *Session) RPC(body []byte) (string, error) {
	id := uuid.New().String()
	msg, err := xml.Marshal(&RPCMessage{MessageID: id, Methods: body})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode rpc")
	}
	return id, s.Send(msg)
}

// Call sends body as an rpc and decodes the reply. An rpc-error of severity "error"
// is delivered as an *RPCError together with the reply.
func (s *Session) Call(body []byte) (*RPCReply, error) {
	id, err := s.RPC(body)
	if err != nil {
		return nil, err
	}
	raw, err := s.Receive()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && s.IsClosed() {
		return nil, errors.New("session closed before rpc-reply was received")
	}
	reply, err := ParseReply(raw)
	if reply != nil && reply.MessageID != "" && reply.MessageID != id {
		return reply, errors.Errorf("unexpected rpc-reply message-id %s, expected %s", reply.MessageID, id)
	}
	return reply, err
}

// Close tears down the channel and, if the session owns it, the SSH connection.
// It is safe to call more than once.
func (s *Session) Close() (err error) {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		err = s.t.Close()
		if s.owned != nil {
			if sshErr := s.owned.Close(); err == nil {
				err = sshErr
			}
		}
		s.state = Closed
		s.buf = nil
	})
	return err
}

// CloseWith sends goodbye with the current framing and waits for the reply before
// tearing down the session.
func (s *Session) CloseWith(goodbye []byte) (reply []byte, err error) {
	if !s.IsClosed() {
		if reply, err = s.Exchange(goodbye); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return reply, s.Close()
}
