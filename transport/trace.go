package transport

import (
	"context"
	"time"

	"github.com/imdario/mergo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// unique type to prevent assignment.
type traceContextKey struct{}

// ContextTrace returns the Trace associated with the provided context.
// If none, it returns NoOpLoggingHooks. Any hooks missing from a supplied trace are
// filled with their no-op equivalents, so callers never need to nil-check a hook.
func ContextTrace(ctx context.Context) *Trace {
	trace, _ := ctx.Value(traceContextKey{}).(*Trace)
	if trace == nil {
		trace = NoOpLoggingHooks
	} else {
		_ = mergo.Merge(trace, NoOpLoggingHooks)
	}
	return trace
}

// WithTrace returns a new context based on the provided parent
// ctx. Connections made with the returned context will use
// the provided trace hooks.
func WithTrace(ctx context.Context, trace *Trace) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// Trace defines a structure for handling trace events.
type Trace struct {
	// DialStart is called when starting to dial a remote server.
	DialStart func(clientConfig *ssh.ClientConfig, target string)

	// DialDone is called when the dial and SSH handshake complete, with err indicating
	// whether it was successful.
	DialDone func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration)

	// ConnectionClosed is called after a connection has been closed, with
	// err indicating any error condition.
	ConnectionClosed func(target string, err error)

	// ReadDone is called after a read from the underlying channel.
	ReadDone func(buf []byte, err error, d time.Duration)

	// WriteDone is called after each write to the underlying channel.
	WriteDone func(buf []byte, c int, err error, d time.Duration)

	// WriteStalled is called when the channel accepted no bytes and the write will be retried.
	WriteStalled func(target string, remaining int)

	// Error is called after an error condition has been detected.
	Error func(context, target string, err error)

	// HelloDone is called when the NETCONF hello message has been received from the server.
	HelloDone func(target string, hello []byte)

	// Answered is called when an interactive question has been answered.
	Answered func(target, question string)

	// EchoMissing is called when the echoed command could not be located in a response.
	EchoMissing func(target, command string)

	// Classified is called when command output matched a classification rule.
	Classified func(target, severity, match string)
}

// DefaultLoggingHooks provides a default logging hook to report errors.
var DefaultLoggingHooks = &Trace{
	Error: func(context, target string, err error) {
		log.WithFields(log.Fields{"context": context, "target": target}).WithError(err).Error("transport error")
	},
	EchoMissing: func(target, command string) {
		log.WithFields(log.Fields{"target": target, "command": command}).Warn("command echo not found in response")
	},
	Classified: func(target, severity, match string) {
		log.WithFields(log.Fields{"target": target, "severity": severity, "match": match}).Warn("command output classified")
	},
}

// MetricLoggingHooks provides a set of hooks that will log network metrics.
var MetricLoggingHooks = &Trace{
	DialDone: func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration) {
		log.WithFields(log.Fields{"target": target, "user": clientConfig.User, "took_ms": d.Milliseconds()}).
			WithError(err).Info("dial done")
	},
	ReadDone: func(p []byte, err error, d time.Duration) {
		log.WithFields(log.Fields{"len": len(p), "took_ms": d.Milliseconds()}).WithError(err).Debug("read done")
	},
	WriteDone: func(p []byte, c int, err error, d time.Duration) {
		log.WithFields(log.Fields{"len": c, "took_ms": d.Milliseconds()}).WithError(err).Debug("write done")
	},

	Error:       DefaultLoggingHooks.Error,
	EchoMissing: DefaultLoggingHooks.EchoMissing,
	Classified:  DefaultLoggingHooks.Classified,
}

// DiagnosticLoggingHooks provides a set of default diagnostic hooks
var DiagnosticLoggingHooks = &Trace{
	DialStart: func(clientConfig *ssh.ClientConfig, target string) {
		log.WithFields(log.Fields{"target": target, "user": clientConfig.User}).Debug("dial start")
	},
	DialDone: MetricLoggingHooks.DialDone,
	ConnectionClosed: func(target string, err error) {
		log.WithField("target", target).WithError(err).Debug("connection closed")
	},
	ReadDone:  MetricLoggingHooks.ReadDone,
	WriteDone: MetricLoggingHooks.WriteDone,
	WriteStalled: func(target string, remaining int) {
		log.WithFields(log.Fields{"target": target, "remaining": remaining}).Debug("write stalled")
	},

	Error: DefaultLoggingHooks.Error,

	HelloDone: func(target string, hello []byte) {
		log.WithFields(log.Fields{"target": target, "len": len(hello)}).Debug("hello received")
	},
	Answered: func(target, question string) {
		log.WithFields(log.Fields{"target": target, "question": question}).Debug("question answered")
	},
	EchoMissing: DefaultLoggingHooks.EchoMissing,
	Classified:  DefaultLoggingHooks.Classified,
}

// NoOpLoggingHooks provides set of hooks that do nothing.
var NoOpLoggingHooks = &Trace{
	DialStart:        func(clientConfig *ssh.ClientConfig, target string) {},
	DialDone:         func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration) {},
	ConnectionClosed: func(target string, err error) {},
	ReadDone:         func(p []byte, err error, d time.Duration) {},
	WriteDone:        func(p []byte, c int, err error, d time.Duration) {},
	WriteStalled:     func(target string, remaining int) {},

	Error:       func(context, target string, err error) {},
	HelloDone:   func(target string, hello []byte) {},
	Answered:    func(target, question string) {},
	EchoMissing: func(target, command string) {},
	Classified:  func(target, severity, match string) {},
}
