package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"github.com/damianoneill/netdev/testutil"
	"github.com/damianoneill/netdev/transport"
)

var testConfig = resolve(&Config{Backoff: time.Millisecond})

type fakeOpener struct {
	ch  transport.Channel
	err error
}

func (f *fakeOpener) Subsystem(name string) (transport.Channel, error) {
	return f.ch, f.err
}

func (f *fakeOpener) Target() string {
	return "fake:830"
}

func split(s string, size int) []string {
	var parts []string
	for len(s) > size {
		parts = append(parts, s[:size])
		s = s[size:]
	}
	return append(parts, s)
}

func TestHelloExchange(t *testing.T) {
	ch := testutil.NewFakeChannel(`<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">`, "</hello>]]>", "]]>")

	s, peer, err := NewSession(context.Background(), &fakeOpener{ch: ch}, &testConfig, []byte("<hello/>"))
	assert.NoError(t, err)
	assert.Equal(t, `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"></hello>`, string(peer))
	assert.Equal(t, "<hello/>]]>]]>", ch.Written(), "Hello must use end-of-message framing")
	assert.Equal(t, HelloExchanged, s.State())
	assert.Equal(t, Base10, s.Level())
	assert.False(t, s.IsClosed(), "Session should be open after connect")

	assert.NoError(t, s.Close())
	assert.True(t, s.IsClosed(), "Session should be closed after teardown")
	assert.True(t, ch.Closed())
	assert.Equal(t, Closed, s.State())
	assert.NoError(t, s.Close(), "Close should be idempotent")
}

func TestSubsystemFailure(t *testing.T) {
	s, peer, err := NewSession(context.Background(), &fakeOpener{err: fmt.Errorf("rejected")}, nil, []byte("<hello/>"))
	assert.Error(t, err)
	assert.Nil(t, s)
	assert.Nil(t, peer)
}

func TestEOMReadBoundaryIndependence(t *testing.T) {
	first := `<rpc-reply message-id="1"><data><a>x</a></data></rpc-reply>`
	second := `<rpc-reply message-id="2"><ok/></rpc-reply>`
	stream := first + "]]>]]>" + second + "]]>]]>"

	for size := 1; size <= len(stream); size++ {
		t.Run(fmt.Sprintf("ReadSize%d", size), func(t *testing.T) {
			s := newSession(context.Background(), testutil.NewFakeChannel(split(stream, size)...), "fake", &testConfig)

			msg, err := s.Receive()
			assert.NoError(t, err)
			assert.Equal(t, first, string(msg))

			msg, err = s.Receive()
			assert.NoError(t, err)
			assert.Equal(t, second, string(msg), "Pipelined message must be retained")

			msg, err = s.Receive()
			assert.NoError(t, err)
			assert.Empty(t, msg)
			assert.True(t, s.IsClosed())
		})
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	payloads := []string{
		"<rpc/>",
		`<rpc message-id="101"><get-config><source><running/></source></get-config></rpc>`,
		strings.Repeat("<data>0123456789</data>", 500),
	}

	for _, level := range []Level{Base10, Base11} {
		for _, payload := range payloads {
			t.Run(fmt.Sprintf("%s-%d", level, len(payload)), func(t *testing.T) {
				cfg := testConfig
				cfg.MaxChunkSize = 100
				s := newSession(context.Background(), testutil.NewLoopback(7), "loopback", &cfg)
				s.SetLevel(level)

				assert.NoError(t, s.Send([]byte(payload)))
				msg, err := s.Receive()
				assert.NoError(t, err)
				assert.Equal(t, payload, string(msg))
				assert.False(t, s.IsClosed())
			})
		}
	}
}

func TestSendEmptyMessage(t *testing.T) {
	ch := testutil.NewLoopback(0)
	s := newSession(context.Background(), ch, "loopback", &testConfig)

	assert.NoError(t, s.Send(nil), "End-of-message framing carries an empty message")
	assert.Equal(t, "]]>]]>", ch.Written())

	s.SetLevel(Base11)
	err := s.Send(nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrFraming), "Expected a framing error, got %v", err)
	assert.Equal(t, "]]>]]>", ch.Written(), "Nothing is written for an empty chunked message")
	assert.False(t, s.IsClosed())
}

func TestChunkBoundaryIndependence(t *testing.T) {
	stream := "\n#11\n<rpc-reply>\n#5\n<ok/>\n#12\n</rpc-reply>\n##\n" + "\n#6\n<next>\n##\n"

	for _, size := range []int{1, 2, 3, 4, 5, 7, 9, 13, 64} {
		t.Run(fmt.Sprintf("ReadSize%d", size), func(t *testing.T) {
			ch := testutil.NewFakeChannel(stream)
			ch.ReadSize = size
			s := newSession(context.Background(), ch, "fake", &testConfig)
			s.SetLevel(Base11)

			msg, err := s.Receive()
			assert.NoError(t, err)
			assert.Equal(t, "<rpc-reply><ok/></rpc-reply>", string(msg))

			msg, err = s.Receive()
			assert.NoError(t, err)
			assert.Equal(t, "<next>", string(msg))
		})
	}
}

func TestChunkedFramingErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"MissingChunkStart", "<rpc-reply/>\n##\n"},
		{"BadChunkSize", "\n#abc\n<rpc-reply/>"},
		{"ZeroChunkSize", "\n#0\n\n##\n"},
		{"ChunkSizeTooLarge", "\n#4294967296\n<rpc-reply/>"},
		{"MissingSecondChunkStart", "\n#3\nabcdef\n##\n"},
		{"NewlineOnlyOnClosedLink", "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(context.Background(), testutil.NewFakeChannel(tt.input), "fake", &testConfig)
			s.SetLevel(Base11)

			msg, err := s.Receive()
			assert.Error(t, err)
			assert.True(t, errors.Is(err, ErrFraming), "Expected a framing error, got %v", err)
			assert.Nil(t, msg)
		})
	}
}

func TestPeerClosureDegrades(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		input  []string
		expect string
	}{
		{"EOMEmpty", Base10, nil, ""},
		{"EOMPartial", Base10, []string{"<rpc-reply>", "<ok/>"}, "<rpc-reply><ok/>"},
		{"ChunkedEmpty", Base11, nil, ""},
		{"ChunkedPartialHeader", Base11, []string{"\n#12"}, ""},
		{"ChunkedPartialChunk", Base11, []string{"\n#10\n", "abc"}, "abc"},
		{"ChunkedMissingEndOfChunks", Base11, []string{"\n#3\nabc"}, "abc"},
		{"ChunkedPartialEndOfChunks", Base11, []string{"\n#3\nabc\n#"}, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(context.Background(), testutil.NewFakeChannel(tt.input...), "fake", &testConfig)
			s.SetLevel(tt.level)

			msg, err := s.Receive()
			assert.NoError(t, err, "Peer closure is not an error")
			assert.Equal(t, tt.expect, string(msg))
			assert.True(t, s.IsClosed())
			assert.Equal(t, Closed, s.State())
		})
	}
}

func TestStateTransitions(t *testing.T) {
	s, _, err := NewSession(context.Background(), &fakeOpener{ch: testutil.NewLoopback(0)}, &testConfig, []byte("<hello/>"))
	assert.NoError(t, err)
	defer s.Close()
	assert.Equal(t, HelloExchanged, s.State())

	s.SetLevel(Base11)
	assert.Equal(t, Negotiated, s.State())
	assert.Equal(t, "1.1", s.Level().String())

	reply, err := s.Exchange([]byte("<rpc/>"))
	assert.NoError(t, err)
	assert.Equal(t, "<rpc/>", string(reply))
	assert.Equal(t, Exchanging, s.State())
	assert.Equal(t, "Exchanging", s.State().String())
}

func TestRPC(t *testing.T) {
	ch := testutil.NewLoopback(0)
	s := newSession(context.Background(), ch, "loopback", &testConfig)

	id, err := s.RPC([]byte("<get/>"))
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	raw, err := s.Receive()
	assert.NoError(t, err)

	msg := &RPCMessage{}
	assert.NoError(t, xml.Unmarshal(raw, msg))
	assert.Equal(t, id, msg.MessageID)
	assert.Equal(t, "<get/>", string(msg.Methods))
	assert.Equal(t, NetconfNS, msg.XMLName.Space)
}

func TestCloseWith(t *testing.T) {
	ch := testutil.NewFakeChannel("<hello/>]]>]]>", "<rpc-reply><ok/></rpc-reply>]]>]]>")
	s, _, err := NewSession(context.Background(), &fakeOpener{ch: ch}, &testConfig, []byte("<hello/>"))
	assert.NoError(t, err)

	reply, err := s.CloseWith([]byte("<close-session/>"))
	assert.NoError(t, err)
	assert.Equal(t, "<rpc-reply><ok/></rpc-reply>", string(reply))
	assert.True(t, s.IsClosed())
	assert.Equal(t, []string{"<hello/>]]>]]>", "<close-session/>]]>]]>"}, ch.Writes())

	reply, err = s.CloseWith([]byte("<close-session/>"))
	assert.NoError(t, err, "Closing a closed session is not an error")
	assert.Nil(t, reply)
}

func TestDial(t *testing.T) {
	handler := &testutil.NetconfHandler{SessionID: 42}
	ts := testutil.NewNetconfServer(t, handler)
	defer ts.Close()

	var hellos []string
	ctx := transport.WithTrace(context.Background(), &transport.Trace{
		HelloDone: func(target string, hello []byte) {
			hellos = append(hellos, target)
		},
	})

	cfg := &Config{
		SSHConfig: transport.SSHConfig{
			Host:     "localhost",
			Port:     ts.Port(),
			User:     testutil.TestUserName,
			Password: testutil.TestPassword,
			Timeout:  5 * time.Second,
		},
		Backoff: time.Millisecond,
	}
	hello, err := NewHello(DefaultCapabilities...)
	assert.NoError(t, err)

	s, peer, err := Dial(ctx, cfg, hello)
	assert.NoError(t, err)
	defer s.Close()
	assert.False(t, s.IsClosed())
	assert.Equal(t, []string{fmt.Sprintf("localhost:%d", ts.Port())}, hellos)

	peerHello, err := ParseHello(peer)
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), peerHello.SessionID)

	level, err := Negotiate(hello, peer)
	assert.NoError(t, err)
	assert.Equal(t, Base11, level)
	s.SetLevel(level)

	reply, err := s.Call([]byte("<get/>"))
	assert.NoError(t, err)
	assert.Contains(t, reply.Data, "<ok/>")

	reply, err = s.Call([]byte("<fail/>"))
	assert.Error(t, err)
	rpcErr := &RPCError{}
	assert.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "operation-failed", rpcErr.Tag)
	assert.Equal(t, "netconf rpc [error] 'failed'", err.Error())
	assert.NotNil(t, reply)

	closeReply, err := s.CloseWith([]byte(`<rpc message-id="close"><close-session/></rpc>`))
	assert.NoError(t, err)
	assert.Contains(t, string(closeReply), "<ok/>")
	assert.True(t, s.IsClosed())
	assert.Len(t, handler.Requests(), 3)
}

func TestDialFailure(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	cfg := &Config{SSHConfig: transport.SSHConfig{
		Host:     "localhost",
		Port:     ts.Port(),
		User:     testutil.TestUserName,
		Password: "wrongPassword",
	}}
	s, peer, err := Dial(context.Background(), cfg, []byte("<hello/>"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")
	assert.Nil(t, s)
	assert.Nil(t, peer)
}
