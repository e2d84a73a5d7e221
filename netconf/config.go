package netconf

import (
	"time"

	"github.com/damianoneill/netdev/transport"
)

// Defines structs describing netconf configuration.

// Config defines properties that configure netconf session behaviour.
type Config struct {
	transport.SSHConfig
	// ReadSize is the maximum number of bytes requested from the channel by each read.
	ReadSize int
	// Backoff is the pause after a read that delivered no data.
	Backoff time.Duration
	// MaxChunkSize bounds the chunks written once 1.1 framing is in force; zero means no bound
	// beyond the protocol maximum.
	MaxChunkSize uint32
	// WireLog, if not empty, names the file receiving outbound bytes; inbound bytes go to WireLog + ".in".
	WireLog string
}

// DefaultConfig defines the values applied to any unspecified Config property.
var DefaultConfig = Config{
	SSHConfig: transport.SSHConfig{
		Port:    830,
		Timeout: 30 * time.Second,
	},
	ReadSize: 65536,
	Backoff:  100 * time.Millisecond,
}
