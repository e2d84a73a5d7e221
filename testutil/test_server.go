package testutil

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Defines credentials used for test sessions.
const (
	TestUserName = "testUser"
	TestPassword = "testPassword"
)

// SSHServer represents a test SSH Server
type SSHServer struct {
	listener net.Listener
}

// StartRequest describes the channel request that started a handler: "shell", "exec" or
// "subsystem", with Payload holding the command or subsystem name.
type StartRequest struct {
	Type    string
	Payload string
}

// SSHHandler is implemented to handle i/o on an accepted SSH channel.
type SSHHandler interface {
	Handle(t assert.TestingT, ch ssh.Channel, req StartRequest)
}

// HandlerFactory delivers a handler for each new channel.
type HandlerFactory func(t assert.TestingT) SSHHandler

// ServerOption configures a test server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	requestTypes map[string]bool
	authorized   ssh.PublicKey
}

// RequestTypes defines the channel request types the server will accept.
// By default "pty-req", "shell", "exec" and "subsystem" are accepted.
func RequestTypes(types []string) ServerOption {
	return func(c *serverConfig) {
		c.requestTypes = map[string]bool{}
		for _, t := range types {
			c.requestTypes[t] = true
		}
	}
}

// AuthorizedKey enables public key authentication for the given key.
func AuthorizedKey(key ssh.PublicKey) ServerOption {
	return func(c *serverConfig) {
		c.authorized = key
	}
}

// NewSSHServer delivers a new test SSH Server that echoes each line it receives prefixed with "GOT:".
// The server implements password authentication with the given credentials.
func NewSSHServer(t assert.TestingT, uname, password string) *SSHServer {
	return NewSSHServerHandler(t, uname, password, func(t assert.TestingT) SSHHandler {
		return &echoHandler{}
	})
}

// NewSSHServerHandler delivers a new test SSH Server, with a custom channel handler.
func NewSSHServerHandler(t assert.TestingT, uname, password string, factory HandlerFactory, opts ...ServerOption) *SSHServer {
	cfg := &serverConfig{}
	RequestTypes([]string{"pty-req", "shell", "exec", "subsystem"})(cfg)
	for _, opt := range opts {
		opt(cfg)
	}

	listener, err := net.Listen("tcp", "localhost:0")
	assert.NoError(t, err, "Listen failed")

	ts := &SSHServer{listener: listener}
	go ts.acceptConnections(t, newSSHServerConfig(t, uname, password, cfg.authorized), cfg, factory)
	return ts
}

// Port delivers the tcp port number on which the server is listening.
func (ts *SSHServer) Port() int {
	return ts.listener.Addr().(*net.TCPAddr).Port
}

// Close closes any resources used by the server.
func (ts *SSHServer) Close() {
	_ = ts.listener.Close()
}

func (ts *SSHServer) acceptConnections(t assert.TestingT, config *ssh.ServerConfig, cfg *serverConfig, factory HandlerFactory) {
	for {
		nConn, err := ts.listener.Accept()
		if err != nil {
			return
		}
		go ts.serveConnection(t, nConn, config, cfg, factory)
	}
}

func (ts *SSHServer) serveConnection(t assert.TestingT, nConn net.Conn, config *ssh.ServerConfig, cfg *serverConfig, factory HandlerFactory) {
	_, chch, reqch, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqch)

	// Service the incoming Channel channel.
	for newChannel := range chch {
		dataChan, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(ch ssh.Channel, in <-chan *ssh.Request) {
			started := false
			for req := range in {
				ok := cfg.requestTypes[req.Type]
				_ = req.Reply(ok, nil)
				if !ok || started || req.Type == "pty-req" {
					continue
				}
				started = true
				go func(sr StartRequest) {
					factory(t).Handle(t, ch, sr)
					if sr.Type == "exec" {
						_, _ = ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					}
					_ = ch.Close()
				}(StartRequest{Type: req.Type, Payload: decodeString(req.Payload)})
			}
		}(dataChan, requests)
	}
}

// decodeString decodes an SSH wire-format string (uint32 length followed by bytes).
func decodeString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	l := binary.BigEndian.Uint32(payload)
	if int(l) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+l])
}

// echoHandler echoes each line received, prefixed with "GOT:".
type echoHandler struct{}

func (e *echoHandler) Handle(t assert.TestingT, ch ssh.Channel, req StartRequest) {
	chReader := bufio.NewReader(ch)
	chWriter := bufio.NewWriter(ch)
	for {
		input, err := chReader.ReadString('\n')
		if err != nil {
			return
		}
		_, err = chWriter.WriteString(fmt.Sprintf("GOT:%s", input))
		assert.NoError(t, err, "Write failed")
		_ = chWriter.Flush()
	}
}

func newSSHServerConfig(t assert.TestingT, uname, password string, authorized ssh.PublicKey) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == uname && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	if authorized != nil {
		config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == uname && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("public key rejected for %q", c.User())
		}
	}

	hostKey, _, err := GenerateKey()
	assert.NoError(t, err, "Failed to generate host key")
	config.AddHostKey(hostKey)
	return config
}

// GenerateKey delivers a new RSA signer together with its PEM encoding.
func GenerateKey() (signer ssh.Signer, privatePEM []byte, err error) {
	var key *rsa.PrivateKey
	if key, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		return nil, nil, err
	}
	privatePEM = encodePrivateKeyToPEM(key)
	signer, err = ssh.ParsePrivateKey(privatePEM)
	return signer, privatePEM, err
}

func encodePrivateKeyToPEM(privateKey *rsa.PrivateKey) []byte {
	// Get ASN.1 DER format
	privDER := x509.MarshalPKCS1PrivateKey(privateKey)

	// pem.Block
	privBlock := pem.Block{
		Type:    "RSA PRIVATE KEY",
		Headers: nil,
		Bytes:   privDER,
	}

	// Private key in PEM format
	return pem.EncodeToMemory(&privBlock)
}
