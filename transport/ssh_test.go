package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/damianoneill/netdev/testutil"
	assert "github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func testConfig(port int, password string) *SSHConfig {
	return &SSHConfig{
		Host:     "localhost",
		Port:     port,
		User:     testutil.TestUserName,
		Password: password,
		Timeout:  5 * time.Second,
	}
}

func TestSuccessfulConnection(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	s, err := Dial(context.Background(), testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err, "Not expecting new session to fail")
	defer s.Close()

	assert.Equal(t, fmt.Sprintf("localhost:%d", ts.Port()), s.Target())
	assert.NotNil(t, s.Client())
}

func TestFailingConnection(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	s, err := Dial(context.Background(), testConfig(ts.Port(), "wrongPassword"))
	assert.Error(t, err, "Not expecting new session to succeed")
	assert.Contains(t, err.Error(), "unable to authenticate", "Auth failures are not translated")
	assert.Nil(t, s, "Session should not be defined")
}

func TestPrivateKeyTakesPrecedence(t *testing.T) {
	signer, pemBytes, err := testutil.GenerateKey()
	assert.NoError(t, err)

	ts := testutil.NewSSHServerHandler(t, testutil.TestUserName, testutil.TestPassword,
		func(t assert.TestingT) testutil.SSHHandler { return nil },
		testutil.AuthorizedKey(signer.PublicKey()))
	defer ts.Close()

	cfg := testConfig(ts.Port(), "wrongPassword")
	cfg.PrivateKey = string(pemBytes)

	clientConfig, _, err := cfg.ClientConfig()
	assert.NoError(t, err)
	assert.Len(t, clientConfig.Auth, 1, "Password should not be offered with a private key")

	s, err := Dial(context.Background(), cfg)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestInvalidPrivateKey(t *testing.T) {
	cfg := testConfig(22, "")
	cfg.PrivateKey = "not a key"

	s, err := Dial(context.Background(), cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid private key")
	assert.Nil(t, s)
}

func TestSubsystemWriteRead(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	s, err := Dial(context.Background(), testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err)
	defer s.Close()

	ch, err := s.Subsystem("netconf")
	assert.NoError(t, err)
	defer ch.Close()

	rdr := bufio.NewReader(ch)
	_, _ = ch.Write([]byte("Message\n"))
	response, _ := rdr.ReadString('\n')
	assert.Equal(t, "GOT:Message\n", response, "Failed to get expected response")
}

func TestSubsystemRejected(t *testing.T) {
	ts := testutil.NewSSHServerHandler(t, testutil.TestUserName, testutil.TestPassword,
		func(t assert.TestingT) testutil.SSHHandler { return nil },
		testutil.RequestTypes([]string{"shell"}))
	defer ts.Close()

	s, err := Dial(context.Background(), testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err)
	defer s.Close()

	ch, err := s.Subsystem("netconf")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "request subsystem netconf failed")
	assert.Nil(t, ch)
}

func TestAttachDoesNotCloseClient(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	owner, err := Dial(context.Background(), testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err)
	defer owner.Close()

	attached := Attach(context.Background(), owner.Client())
	assert.NoError(t, attached.Close())
	assert.NoError(t, attached.Close(), "Close should be idempotent")

	// The externally managed client is still usable.
	ch, err := owner.Subsystem("netconf")
	assert.NoError(t, err)
	assert.NoError(t, ch.Close())
}

func TestTrace(t *testing.T) {
	ts := testutil.NewSSHServer(t, testutil.TestUserName, testutil.TestPassword)
	defer ts.Close()

	var traces []string
	trace := &Trace{
		DialStart: func(clientConfig *ssh.ClientConfig, target string) {
			traces = append(traces, fmt.Sprintf("DialStart %s", target))
		},
		DialDone: func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration) {
			traces = append(traces, fmt.Sprintf("DialDone %s error:%v", target, err))
			assert.True(t, d > 0, "Duration should be defined")
		},
		ConnectionClosed: func(target string, err error) {
			traces = append(traces, fmt.Sprintf("ConnectionClosed target:%s error:%v", target, err))
		},
	}

	ctx := WithTrace(context.Background(), trace)
	s, err := Dial(ctx, testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	target := fmt.Sprintf("localhost:%d", ts.Port())
	assert.Equal(t, []string{
		"DialStart " + target,
		"DialDone " + target + " error:<nil>",
		"ConnectionClosed target:" + target + " error:<nil>",
	}, traces)
}

// stderrHandler writes a large stderr payload before any stdout, then exits.
type stderrHandler struct {
	size int
}

func (h *stderrHandler) Handle(t assert.TestingT, ch ssh.Channel, req testutil.StartRequest) {
	_, err := ch.Stderr().Write(bytes.Repeat([]byte("e"), h.size))
	assert.NoError(t, err, "Stderr write failed")
	_, err = ch.Write([]byte("stdout done\n"))
	assert.NoError(t, err, "Write failed")
}

func TestExecDrainsStderrWhileReadingStdout(t *testing.T) {
	const size = 3 << 20
	ts := testutil.NewSSHServerHandler(t, testutil.TestUserName, testutil.TestPassword,
		func(t assert.TestingT) testutil.SSHHandler { return &stderrHandler{size: size} })
	defer ts.Close()

	s, err := Dial(context.Background(), testConfig(ts.Port(), testutil.TestPassword))
	assert.NoError(t, err)
	defer s.Close()

	ch, err := s.Exec("noisy")
	assert.NoError(t, err)
	tr := New(ch, &Config{Backoff: time.Millisecond}, nil)
	defer tr.Close()

	var received []byte
	for !tr.IsClosed() {
		received = append(received, tr.Recv(65536)...)
	}
	assert.Len(t, received, len("stdout done\n")+size)
	assert.Equal(t, "stdout done\n", string(received[:12]), "Stdout is delivered before stderr")
	assert.Equal(t, bytes.Repeat([]byte("e"), size), received[12:])
}
