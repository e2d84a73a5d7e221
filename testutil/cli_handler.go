package testutil

import (
	"bufio"
	"fmt"
	"strings"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// CLIHandler emulates a device command line. On a shell channel it writes Banner and
// Prompt, then answers each command line with its echo, the command output and the
// prompt, until it reads "exit". On an exec channel it writes the output of the command.
type CLIHandler struct {
	Banner string
	Prompt string
	// Output maps a command to its output; unknown commands produce no output.
	Output map[string]string
}

// Handle implements SSHHandler.
func (h *CLIHandler) Handle(t assert.TestingT, ch ssh.Channel, req StartRequest) {
	if req.Type == "exec" {
		_, err := ch.Write([]byte(h.Output[req.Payload] + "\n"))
		assert.NoError(t, err, "Write failed")
		return
	}

	_, _ = ch.Write([]byte(fmt.Sprintf("%s\r\n%s", h.Banner, h.Prompt)))
	rdr := bufio.NewReader(ch)
	for {
		line, err := rdr.ReadString('\n')
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)
		if command == "exit" {
			return
		}
		reply := command + "\r\n"
		if output, ok := h.Output[command]; ok {
			reply += output + "\r\n"
		}
		if _, err = ch.Write([]byte(reply + h.Prompt)); err != nil {
			return
		}
	}
}

// NewCLIServer delivers a new test SSH Server running handler on every channel.
func NewCLIServer(t assert.TestingT, handler *CLIHandler) *SSHServer {
	return NewSSHServerHandler(t, TestUserName, TestPassword, func(t assert.TestingT) SSHHandler {
		return handler
	})
}
