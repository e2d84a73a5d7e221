// Package cli automates interactive command line sessions on network devices: prompt
// detection, in-band question answering and classification of command output.
package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"github.com/damianoneill/netdev/transport"
)

// Opener opens the channels used by a session. It is implemented by *transport.SSHSession.
type Opener interface {
	Shell() (transport.Channel, error)
	Exec(command string) (transport.Channel, error)
	Target() string
}

// strategy is the channel discipline of a session: a persistent shell or one exec
// channel per command.
type strategy interface {
	connect() error
	run(command string) (*result, error)
	close() error
	isClosed() bool
}

// result is the text received for one command.
type result struct {
	// output is returned to the caller.
	output string
	// classified is checked against the classification rules.
	classified string
}

// Session is a command line session with a device. A Session is not safe for
// concurrent use; one command may be in flight at a time.
type Session struct {
	cfg      Config
	opener   Opener
	target   string
	trace    *transport.Trace
	owned    *transport.SSHSession
	strategy strategy

	banner   string
	hostname string

	closeOnce sync.Once
}

// Dial connects to the device described by cfg and establishes a session. SSH handshake
// and authentication failures are returned unchanged.
//
// The returned session owns the SSH connection; Close tears down both.
func Dial(ctx context.Context, cfg *Config, opts ...SessionOption) (*Session, error) {
	resolved := resolve(cfg, opts)

	sshSession, err := transport.Dial(ctx, &resolved.SSHConfig)
	if err != nil {
		return nil, err
	}

	s, err := NewSession(ctx, sshSession, &resolved)
	if err != nil {
		_ = sshSession.Close()
		return nil, err
	}
	s.owned = sshSession
	return s, nil
}

// NewSession establishes a session over an existing SSH connection. In shell mode the
// welcome banner is read up to the first prompt, answering any questions on the way.
// The caller keeps ownership of the connection represented by opener.
func NewSession(ctx context.Context, opener Opener, cfg *Config, opts ...SessionOption) (*Session, error) {
	resolved := resolve(cfg, opts)

	s := &Session{
		cfg:    resolved,
		opener: opener,
		target: opener.Target(),
		trace:  transport.ContextTrace(ctx),
	}
	switch resolved.Mode {
	case ShellMode:
		s.strategy = &shell{s: s}
	case ExecMode:
		s.strategy = &exec{s: s}
	default:
		return nil, errors.Errorf("unsupported cli mode %q", resolved.Mode)
	}

	if err := s.strategy.connect(); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "failed to establish cli session")
	}
	return s, nil
}

func resolve(cfg *Config, opts []SessionOption) Config {
	resolved := Config{}
	if cfg != nil {
		resolved = *cfg
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	_ = mergo.Merge(&resolved, DefaultConfig)
	return resolved
}

// Banner delivers the text received before the first prompt.
func (s *Session) Banner() string {
	return s.banner
}

// Hostname delivers the first prompt, less the prompt character.
func (s *Session) Hostname() string {
	return s.hostname
}

// Target delivers the address of the remote device.
func (s *Session) Target() string {
	return s.target
}

// Run executes command and delivers its output, without the echoed command or the
// trailing prompt. If the device closes the session first, whatever was received is
// delivered without error; a closed session delivers "".
//
// Output matching a classification rule is delivered together with an *OutputError.
// Sessions are closed before an error or critical OutputError is returned.
func (s *Session) Run(command string) (string, error) {
	if s.IsClosed() {
		return "", nil
	}

	res, err := s.strategy.run(command)
	if err != nil {
		return "", err
	}

	severity, match, ok := s.cfg.Rules.Classify([]byte(res.classified))
	if !ok {
		return res.output, nil
	}
	s.trace.Classified(s.target, severity.String(), match)
	if severity != Warning {
		_ = s.Close()
	}
	return res.output, &OutputError{Severity: severity, Command: command, Match: match, Output: res.output}
}

// IsClosed returns true if the session has been closed, or the device has closed it.
func (s *Session) IsClosed() bool {
	return s == nil || s.strategy == nil || s.strategy.isClosed()
}

// Close tears down the session and, if the session owns it, the SSH connection.
// It is safe to call more than once.
func (s *Session) Close() (err error) {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.strategy != nil {
			err = s.strategy.close()
		}
		if s.owned != nil {
			if sshErr := s.owned.Close(); err == nil {
				err = sshErr
			}
		}
	})
	return err
}

func (s *Session) newTransport(ch transport.Channel) *transport.Transport {
	return transport.New(ch, &transport.Config{
		Backoff: s.cfg.Backoff,
		WireLog: s.cfg.WireLog,
		Target:  s.target,
	}, s.trace)
}

// response accumulates the scrubbed text received for one command.
type response struct {
	// text holds completed lines, and any open line that was answered.
	text bytes.Buffer
	// tail is the open line.
	tail []byte
	// prompt is the offset of the prompt in tail, or -1.
	prompt int
}

// all delivers everything received.
func (r *response) all() string {
	return r.text.String() + string(r.tail)
}

// collect reads from t until a prompt ends the open line, if waitPrompt is set, or until
// the channel closes. Questions are answered as they are found.
//
// While no line has completed, an open line that is still part of echo is not checked
// for a prompt, so a command ending in a prompt character cannot end itself.
func (s *Session) collect(t *transport.Transport, waitPrompt bool, echo string) *response {
	r := &response{prompt: -1}
	for {
		chunk := t.Recv(s.cfg.ReadSize)
		if len(chunk) == 0 {
			if t.IsClosed() {
				return r
			}
			continue
		}

		r.tail = Scrub(append(r.tail, chunk...))
		if nl := bytes.LastIndexByte(r.tail, '\n'); nl >= 0 {
			for _, line := range bytes.SplitAfter(r.tail[:nl+1], []byte{'\n'}) {
				if len(line) > 0 {
					s.answer(t, line)
					r.text.Write(line)
				}
			}
			r.tail = append([]byte(nil), r.tail[nl+1:]...)
		}
		if len(r.tail) == 0 {
			continue
		}

		// An answered question cannot also end the command.
		if s.answer(t, r.tail) {
			r.text.Write(r.tail)
			r.tail = nil
			continue
		}
		if waitPrompt && !(r.text.Len() == 0 && isEcho(r.tail, echo)) {
			if r.prompt = PromptOffset(r.tail, s.cfg.Prompts); r.prompt >= 0 {
				return r
			}
		}
	}
}

// answer sends the reply of the first rule whose question appears in text.
func (s *Session) answer(t *transport.Transport, text []byte) bool {
	for _, rule := range s.cfg.Responses {
		if !containsMasked(text, rule.Question) {
			continue
		}
		if err := t.Send(rule.reply()); err != nil {
			s.trace.Error("answer", s.target, err)
		}
		s.trace.Answered(s.target, rule.Question)
		return true
	}
	return false
}

// isEcho returns true if tail is a part of the echoed command, or ends with it.
func isEcho(tail []byte, echo string) bool {
	if echo == "" {
		return false
	}
	tail = bytes.TrimRight(tail, "\r")
	return strings.HasPrefix(echo, string(tail)) || bytes.HasSuffix(tail, []byte(echo))
}

func normalize(text string) string {
	return strings.Trim(strings.ReplaceAll(text, "\r\n", "\n"), "\r\n")
}

// shell runs commands on one persistent interactive shell.
type shell struct {
	s *Session
	t *transport.Transport
}

func (sh *shell) connect() error {
	ch, err := sh.s.opener.Shell()
	if err != nil {
		return err
	}
	sh.t = sh.s.newTransport(ch)

	r := sh.s.collect(sh.t, true, "")
	if r.prompt < 0 {
		sh.s.banner = normalize(r.all())
		return nil
	}
	sh.s.banner = normalize(r.text.String())
	sh.s.hostname = strings.TrimSpace(string(r.tail[:r.prompt]))
	return nil
}

func (sh *shell) run(command string) (*result, error) {
	if err := sh.t.Send([]byte(command + "\n")); err != nil {
		return nil, err
	}

	r := sh.s.collect(sh.t, true, command)
	received := r.text.String()
	if r.prompt < 0 {
		received = r.all()
	}

	output := received
	firstLine := received
	if nl := strings.IndexByte(received, '\n'); nl >= 0 {
		firstLine = received[:nl]
	}
	if i := strings.Index(firstLine, command); i >= 0 && command != "" {
		output = received[i+len(command):]
	} else if received != "" {
		sh.s.trace.EchoMissing(sh.s.target, command)
	}

	// The echoed command line anchors the first line of output.
	return &result{output: normalize(output), classified: received}, nil
}

func (sh *shell) close() error {
	return sh.t.Close()
}

func (sh *shell) isClosed() bool {
	return sh.t.IsClosed()
}

// exec runs each command on its own exec channel, reading until the device closes it.
type exec struct {
	s      *Session
	closed bool
}

func (ex *exec) connect() error {
	return nil
}

func (ex *exec) run(command string) (*result, error) {
	ch, err := ex.s.opener.Exec(command)
	if err != nil {
		return nil, err
	}
	t := ex.s.newTransport(ch)
	defer t.Close()

	received := ex.s.collect(t, false, "").all()
	return &result{output: normalize(received), classified: "\n" + received}, nil
}

func (ex *exec) close() error {
	ex.closed = true
	return nil
}

func (ex *exec) isClosed() bool {
	return ex.closed
}
