package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHConfig defines the properties used to establish an SSH session with a device.
type SSHConfig struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`
	// Password is ignored when PrivateKey is supplied.
	Password string `yaml:"password"`
	// PrivateKey is PEM encoded private key material, optionally protected by Passphrase.
	PrivateKey string `yaml:"private_key"`
	Passphrase string `yaml:"passphrase"`
	Port       int    `yaml:"port"`
	// AllowAgent adds the signers of the agent listening on SSH_AUTH_SOCK, if any.
	AllowAgent bool `yaml:"allow_agent"`
	// Timeout bounds the TCP connect and SSH handshake. It does not apply to reads.
	Timeout time.Duration `yaml:"timeout"`
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback `yaml:"-"`
}

// DefaultSSHConfig defines the values applied to any unspecified SSHConfig property.
var DefaultSSHConfig = SSHConfig{
	Port:    22,
	Timeout: 30 * time.Second,
}

// Target delivers the host:port address of the device.
func (c *SSHConfig) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig builds the x/crypto ssh client configuration.
// Private key material, when present, takes precedence over a password.
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var (
		auth       []ssh.AuthMethod
		agentConn  io.Closer
		hostKeyCbk = c.HostKeyCallback
	)

	if c.PrivateKey != "" {
		signer, err := parseSigner([]byte(c.PrivateKey), c.Passphrase)
		if err != nil {
			return nil, nil, errors.Wrap(err, "invalid private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else if c.Password != "" {
		password := c.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if c.AllowAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				agentConn = conn
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if hostKeyCbk == nil {
		hostKeyCbk = ssh.InsecureIgnoreHostKey() //nolint: gosec
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCbk,
		Timeout:         c.Timeout,
	}, agentConn, nil
}

func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

// SSHSession is an authenticated SSH connection to a device, from which channels
// are opened by the protocol sessions.
type SSHSession struct {
	client    *ssh.Client
	agentConn io.Closer
	owned     bool
	target    string
	trace     *Trace

	closeOnce sync.Once
}

// Dial performs one TCP connect and SSH handshake with the device described by cfg.
// Handshake and authentication failures are returned exactly as reported by the ssh library.
// nolint : gosec
func Dial(ctx context.Context, cfg *SSHConfig) (s *SSHSession, err error) {
	resolved := *cfg
	_ = mergo.Merge(&resolved, DefaultSSHConfig)

	clientConfig, agentConn, err := resolved.ClientConfig()
	if err != nil {
		return nil, err
	}

	target := resolved.Target()
	trace := ContextTrace(ctx)
	trace.DialStart(clientConfig, target)
	defer func(begin time.Time) {
		trace.DialDone(clientConfig, target, err, time.Since(begin))
		if err != nil && agentConn != nil {
			_ = agentConn.Close()
		}
	}(time.Now())

	dialer := &net.Dialer{Timeout: resolved.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	// The deadline bounds the handshake only; it is cleared once the session is up.
	_ = conn.SetDeadline(time.Now().Add(resolved.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, target, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	s = &SSHSession{
		client:    ssh.NewClient(c, chans, reqs),
		agentConn: agentConn,
		owned:     true,
		target:    target,
		trace:     trace,
	}
	runtime.SetFinalizer(s, (*SSHSession).finalize)
	return s, nil
}

// Attach wraps an SSH client whose lifetime is managed elsewhere, for example by a
// test harness or a multiplexing layer. Closing the returned session never closes client.
func Attach(ctx context.Context, client *ssh.Client) *SSHSession {
	s := &SSHSession{client: client, trace: ContextTrace(ctx)}
	if client != nil {
		s.target = client.RemoteAddr().String()
	}
	return s
}

// Client delivers the underlying ssh client.
func (s *SSHSession) Client() *ssh.Client {
	return s.client
}

// Target delivers the address of the remote device.
func (s *SSHSession) Target() string {
	return s.target
}

// Trace delivers the trace hooks in effect for the session.
func (s *SSHSession) Trace() *Trace {
	return s.trace
}

// Subsystem opens a new channel bound to the named SSH subsystem.
func (s *SSHSession) Subsystem(name string) (Channel, error) {
	return s.open(func(session *ssh.Session) error {
		return errors.Wrapf(session.RequestSubsystem(name), "request subsystem %s failed", name)
	})
}

// Shell opens a new channel running an interactive login shell on a pseudo terminal.
func (s *SSHSession) Shell() (Channel, error) {
	return s.open(func(session *ssh.Session) error {
		modes := ssh.TerminalModes{
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("vt100", 24, 511, modes); err != nil {
			return errors.Wrap(err, "request pty failed")
		}
		return errors.Wrap(session.Shell(), "login shell failed")
	})
}

// Exec opens a new channel that runs exactly one command and then closes.
func (s *SSHSession) Exec(command string) (Channel, error) {
	return s.open(func(session *ssh.Session) error {
		return errors.Wrapf(session.Start(command), "exec %q failed", command)
	})
}

func (s *SSHSession) open(start func(*ssh.Session) error) (ch Channel, err error) {
	if s.client == nil {
		return nil, errors.New("ssh session is not connected")
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "new ssh session failed")
	}

	sc := &sessionChannel{session: session}
	defer func() {
		if err != nil {
			_ = sc.Close()
		}
	}()

	if sc.stdout, err = session.StdoutPipe(); err != nil {
		return nil, errors.Wrap(err, "stdout pipe failed")
	}
	// The ssh library copies stderr as it arrives, so a busy stderr never stalls stdout.
	session.Stderr = &sc.stderr

	if sc.writeCloser, err = session.StdinPipe(); err != nil {
		return nil, errors.Wrap(err, "stdin pipe failed")
	}

	if err = start(session); err != nil {
		return nil, err
	}
	return sc, nil
}

// Close closes the ssh client if it is owned by this session. It is safe to call more than once.
func (s *SSHSession) Close() (err error) {
	s.closeOnce.Do(func() {
		runtime.SetFinalizer(s, nil)
		if s.owned && s.client != nil {
			err = s.client.Close()
		}
		if s.agentConn != nil {
			_ = s.agentConn.Close()
		}
		s.trace.ConnectionClosed(s.target, err)
	})
	return err
}

// finalize is a last resort for sessions that were never closed explicitly.
func (s *SSHSession) finalize() {
	_ = s.Close()
}

// sessionChannel adapts the pipes of an ssh.Session to a Channel. Reads deliver
// stdout, then whatever the session wrote to stderr.
type sessionChannel struct {
	stdout      io.Reader
	stderr      syncBuffer
	stdoutDone  bool
	writeCloser io.WriteCloser
	session     *ssh.Session
}

func (c *sessionChannel) Read(p []byte) (int, error) {
	if !c.stdoutDone {
		n, err := c.stdout.Read(p)
		if err != io.EOF {
			return n, err
		}
		c.stdoutDone = true
		// Wait for the library to finish copying stderr. Subsystem sessions are not
		// started, so Wait returns at once for them.
		_ = c.session.Wait()
		if n > 0 {
			return n, nil
		}
	}
	return c.stderr.Read(p)
}

func (c *sessionChannel) Write(p []byte) (int, error) {
	return c.writeCloser.Write(p)
}

// Close closes all channel resources in the following order:
//
//  1. stdin pipe
//  2. SSH session
//
// Errors are returned with priority matching the same order. An io.EOF from a
// session the peer already closed is not an error.
func (c *sessionChannel) Close() error {
	var writeCloseErr, sessionCloseErr error
	if c.writeCloser != nil {
		writeCloseErr = c.writeCloser.Close()
	}
	if c.session != nil {
		sessionCloseErr = c.session.Close()
	}
	if writeCloseErr != nil && writeCloseErr != io.EOF {
		return writeCloseErr
	}
	if sessionCloseErr != nil && sessionCloseErr != io.EOF {
		return sessionCloseErr
	}
	return nil
}

// syncBuffer is a bytes.Buffer written by the ssh library's stderr copy and read by
// the channel owner.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Read reports io.EOF once the buffer is empty.
func (b *syncBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}
