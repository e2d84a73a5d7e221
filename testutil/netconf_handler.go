package testutil

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/damianoneill/netdev/netconf/rfc6242"
)

const (
	capBase10 = "urn:ietf:params:netconf:base:1.0"
	capBase11 = "urn:ietf:params:netconf:base:1.1"
)

var messageIDPattern = regexp.MustCompile(`message-id="([^"]*)"`)

// NetconfHandler emulates the device end of a NETCONF session. It exchanges hello
// messages, switches to chunked framing when both ends advertise base:1.1, and answers
// every rpc with ok, or with an rpc-error if the request contains <fail/>.
// A <close-session/> request is answered and ends the session.
type NetconfHandler struct {
	// Capabilities advertised in the server hello; base:1.0 and base:1.1 by default.
	Capabilities []string
	SessionID    int

	mu       sync.Mutex
	requests []string
}

// NewNetconfServer delivers a new test SSH Server running handler on the netconf subsystem.
func NewNetconfServer(t assert.TestingT, handler *NetconfHandler) *SSHServer {
	return NewSSHServerHandler(t, TestUserName, TestPassword, func(t assert.TestingT) SSHHandler {
		return handler
	}, RequestTypes([]string{"subsystem"}))
}

// Requests delivers the messages received after the client hello.
func (h *NetconfHandler) Requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requests...)
}

// Handle implements SSHHandler.
func (h *NetconfHandler) Handle(t assert.TestingT, ch ssh.Channel, req StartRequest) {
	assert.Equal(t, "subsystem", req.Type)
	assert.Equal(t, "netconf", req.Payload)

	caps := h.Capabilities
	if len(caps) == 0 {
		caps = []string{capBase10, capBase11}
	}

	enc := rfc6242.NewEncoder(ch)
	if err := enc.Encode([]byte(serverHello(caps, h.SessionID))); err != nil {
		return
	}

	r := &frameReader{rdr: ch}
	clientHello, err := r.next(false)
	if err != nil {
		return
	}
	chunked := strings.Contains(string(clientHello), capBase11) && contains(caps, capBase11)
	if chunked {
		rfc6242.SetChunkedFraming(enc)
	}

	for {
		msg, err := r.next(chunked)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.requests = append(h.requests, string(msg))
		h.mu.Unlock()

		body := "<ok/>"
		if strings.Contains(string(msg), "<fail/>") {
			body = "<rpc-error><error-type>application</error-type><error-tag>operation-failed</error-tag>" +
				"<error-severity>error</error-severity><error-message>failed</error-message></rpc-error>"
		}
		if err = enc.Encode([]byte(rpcReply(msg, body))); err != nil {
			return
		}
		if strings.Contains(string(msg), "<close-session/>") {
			return
		}
	}
}

func serverHello(caps []string, sessionID int) string {
	var b strings.Builder
	b.WriteString(`<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>`)
	for _, c := range caps {
		b.WriteString("<capability>" + c + "</capability>")
	}
	b.WriteString("</capabilities>")
	if sessionID > 0 {
		b.WriteString(fmt.Sprintf("<session-id>%d</session-id>", sessionID))
	}
	b.WriteString("</hello>")
	return b.String()
}

func rpcReply(request []byte, body string) string {
	attr := ""
	if m := messageIDPattern.FindSubmatch(request); m != nil {
		attr = fmt.Sprintf(` message-id="%s"`, m[1])
	}
	return fmt.Sprintf(`<rpc-reply xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"%s>%s</rpc-reply>`, attr, body)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// frameReader reads framed messages from the client.
type frameReader struct {
	rdr io.Reader
	buf []byte
}

func (f *frameReader) fill() error {
	b := make([]byte, 4096)
	n, err := f.rdr.Read(b)
	f.buf = append(f.buf, b[:n]...)
	if n == 0 && err != nil {
		return err
	}
	return nil
}

func (f *frameReader) next(chunked bool) ([]byte, error) {
	if !chunked {
		for {
			if msg, consumed, ok := rfc6242.SplitEOM(f.buf); ok {
				result := append([]byte(nil), msg...)
				f.buf = f.buf[consumed:]
				return result, nil
			}
			if err := f.fill(); err != nil {
				return nil, err
			}
		}
	}

	var msg []byte
	for {
		size, consumed, err := rfc6242.ParseChunkHeader(f.buf)
		if err != nil {
			return nil, err
		}
		if consumed == 0 {
			if err = f.fill(); err != nil {
				return nil, err
			}
			continue
		}
		if size == 0 {
			f.buf = f.buf[consumed:]
			return msg, nil
		}
		for uint64(len(f.buf)-consumed) < size {
			if err = f.fill(); err != nil {
				return nil, err
			}
		}
		end := consumed + int(size)
		msg = append(msg, f.buf[consumed:end]...)
		f.buf = f.buf[end:]
	}
}
