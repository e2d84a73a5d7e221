package netconf

import (
	"encoding/xml"
	"fmt"

	"github.com/pkg/errors"
)

// Defines structs representing netconf messages.

// HelloMessage defines the message sent/received during session negotiation.
type HelloMessage struct {
	XMLName      xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 hello"`
	Capabilities []string `xml:"capabilities>capability"`
	SessionID    uint64   `xml:"session-id,omitempty"`
}

// RPCMessage defines an rpc request message
type RPCMessage struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 rpc"`
	MessageID string   `xml:"message-id,attr"`
	Methods   []byte   `xml:",innerxml"`
}

// RPCReply defines an rpc reply message
type RPCReply struct {
	XMLName   xml.Name   `xml:"rpc-reply"`
	Errors    []RPCError `xml:"rpc-error,omitempty"`
	Data      string     `xml:",innerxml"`
	Ok        bool       `xml:",omitempty"`
	RawReply  string     `xml:"-"`
	MessageID string     `xml:"message-id,attr"`
}

// RPCError defines an error reply to a RPC request
type RPCError struct {
	Type     string `xml:"error-type"`
	Tag      string `xml:"error-tag"`
	Severity string `xml:"error-severity"`
	Path     string `xml:"error-path"`
	Message  string `xml:"error-message"`
	Info     string `xml:",innerxml"`
}

// Error generates a string representation of the RPC error
func (re *RPCError) Error() string {
	return fmt.Sprintf("netconf rpc [%s] '%s'", re.Severity, re.Message)
}

// Define netconf URNs.
const (
	NetconfNS = "urn:ietf:params:xml:ns:netconf:base:1.0"
	CapBase10 = "urn:ietf:params:netconf:base:1.0"
	CapBase11 = "urn:ietf:params:netconf:base:1.1"
)

// DefaultCapabilities sets the default capabilities of the client library
var DefaultCapabilities = []string{
	CapBase10,
	CapBase11,
}

// NewHello delivers an encoded hello message advertising caps.
func NewHello(caps ...string) ([]byte, error) {
	b, err := xml.Marshal(&HelloMessage{Capabilities: caps})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode hello")
	}
	return append([]byte(xml.Header), b...), nil
}

// ParseHello decodes a raw hello message.
func ParseHello(raw []byte) (*HelloMessage, error) {
	hello := &HelloMessage{}
	if err := xml.Unmarshal(raw, hello); err != nil {
		return nil, errors.Wrap(err, "invalid hello")
	}
	return hello, nil
}

// PeerSupportsChunkedFraming returns true if capability list indicates support for chunked framing.
func PeerSupportsChunkedFraming(caps []string) bool {
	for _, capability := range caps {
		if capability == CapBase11 {
			return true
		}
	}
	return false
}

// Negotiate delivers the framing level that both hello messages support.
func Negotiate(local, peer []byte) (Level, error) {
	lh, err := ParseHello(local)
	if err != nil {
		return Base10, err
	}
	ph, err := ParseHello(peer)
	if err != nil {
		return Base10, err
	}
	if PeerSupportsChunkedFraming(lh.Capabilities) && PeerSupportsChunkedFraming(ph.Capabilities) {
		return Base11, nil
	}
	return Base10, nil
}

// ParseReply decodes a raw rpc-reply, delivering an *RPCError if the reply
// carries an rpc-error of severity "error".
func ParseReply(raw []byte) (*RPCReply, error) {
	reply := &RPCReply{RawReply: string(raw)}
	if err := xml.Unmarshal(raw, reply); err != nil {
		return nil, errors.Wrap(err, "invalid rpc-reply")
	}
	return reply, mapError(reply)
}

// Map an RPC reply to an error, if the reply contains any RPC error.
func mapError(r *RPCReply) (err error) {
	for i := 0; i < len(r.Errors); i++ {
		rpcErr := r.Errors[i]
		if rpcErr.Severity == "error" {
			return &rpcErr
		}
	}
	return nil
}
