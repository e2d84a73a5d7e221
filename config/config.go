// Package config loads the device inventory used by the netdev tool.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"gopkg.in/yaml.v3"

	"github.com/damianoneill/netdev/cli"
	"github.com/damianoneill/netdev/netconf"
	"github.com/damianoneill/netdev/transport"
)

// Protocol names the protocol used to reach a device.
type Protocol string

// Protocols.
const (
	Netconf Protocol = "netconf"
	Shell   Protocol = "shell"
	Exec    Protocol = "exec"
)

// Device describes how to connect to one device.
type Device struct {
	Name     string   `yaml:"name"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Protocol Protocol `yaml:"protocol"`

	// PrivateKey is PEM encoded key material; PrivateKeyFile is read into it when set.
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Passphrase     string `yaml:"passphrase"`
	AllowAgent     bool   `yaml:"allow_agent"`
	// KnownHosts, if set, names a known_hosts file used to verify the device host key.
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout"`

	Prompts   []string           `yaml:"prompt_check"`
	Responses []cli.ResponseRule `yaml:"responses"`

	cli.ClassificationRuleSet `yaml:",inline"`

	WireLog string `yaml:"wire_log"`
}

// Inventory is the content of an inventory file.
type Inventory struct {
	Devices []Device `yaml:"devices"`
}

// Load reads and validates the inventory file at path.
func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read inventory")
	}
	return Parse(b)
}

// Parse decodes and validates an inventory.
func Parse(b []byte) (*Inventory, error) {
	inv := &Inventory{}
	if err := yaml.Unmarshal(b, inv); err != nil {
		return nil, errors.Wrap(err, "invalid inventory")
	}

	names := map[string]bool{}
	for i := range inv.Devices {
		d := &inv.Devices[i]
		if d.Protocol == "" {
			d.Protocol = Shell
		}
		if err := d.validate(); err != nil {
			return nil, errors.Wrapf(err, "devices[%d]", i)
		}
		if names[d.Name] {
			return nil, errors.Errorf("devices[%d]: duplicate device name %q", i, d.Name)
		}
		names[d.Name] = true
	}
	return inv, nil
}

func (d *Device) validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(d.Host) == "":
		return errors.New("host is required")
	case d.User == "":
		return errors.New("user is required")
	}
	switch d.Protocol {
	case Netconf, Shell, Exec:
	default:
		return errors.Errorf("unsupported protocol %q", d.Protocol)
	}
	return nil
}

// Device delivers the named device.
func (inv *Inventory) Device(name string) (*Device, error) {
	for i := range inv.Devices {
		if inv.Devices[i].Name == name {
			return &inv.Devices[i], nil
		}
	}
	return nil, errors.Errorf("device %q not found", name)
}

// SSHConfig delivers the SSH properties of the device. Unspecified properties are
// left for the protocol defaults.
func (d *Device) SSHConfig() (transport.SSHConfig, error) {
	cfg := transport.SSHConfig{
		Host:       d.Host,
		Port:       d.Port,
		User:       d.User,
		Password:   d.Password,
		PrivateKey: d.PrivateKey,
		Passphrase: d.Passphrase,
		AllowAgent: d.AllowAgent,
		Timeout:    d.Timeout,
	}

	if d.PrivateKeyFile != "" {
		b, err := os.ReadFile(d.PrivateKeyFile)
		if err != nil {
			return cfg, errors.Wrap(err, "failed to read private key")
		}
		cfg.PrivateKey = string(b)
	}

	if d.KnownHosts != "" {
		cb, err := knownhosts.New(d.KnownHosts)
		if err != nil {
			return cfg, errors.Wrap(err, "failed to read known_hosts")
		}
		cfg.HostKeyCallback = ssh.HostKeyCallback(cb)
	}
	return cfg, nil
}

// CLI delivers the configuration of a command line session with the device.
func (d *Device) CLI() (*cli.Config, error) {
	sshConfig, err := d.SSHConfig()
	if err != nil {
		return nil, err
	}
	mode := cli.ShellMode
	if d.Protocol == Exec {
		mode = cli.ExecMode
	}
	return &cli.Config{
		SSHConfig: sshConfig,
		Mode:      mode,
		Prompts:   d.Prompts,
		Responses: d.Responses,
		Rules:     d.ClassificationRuleSet,
		WireLog:   d.WireLog,
	}, nil
}

// Netconf delivers the configuration of a NETCONF session with the device.
func (d *Device) Netconf() (*netconf.Config, error) {
	sshConfig, err := d.SSHConfig()
	if err != nil {
		return nil, err
	}
	return &netconf.Config{
		SSHConfig: sshConfig,
		WireLog:   d.WireLog,
	}, nil
}
