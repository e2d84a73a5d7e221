package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/damianoneill/netdev/config"
	"github.com/damianoneill/netdev/netconf"
)

const closeSession = "<close-session/>"

// dialNetconf connects to the named device and negotiates the framing level.
func dialNetconf(ctx context.Context, o *options, name string) (*netconf.Session, []byte, error) {
	device, err := o.device(name)
	if err != nil {
		return nil, nil, err
	}
	if device.Protocol != config.Netconf {
		return nil, nil, errors.Errorf("device %q does not use netconf", device.Name)
	}
	cfg, err := device.Netconf()
	if err != nil {
		return nil, nil, err
	}

	hello, err := netconf.NewHello(netconf.DefaultCapabilities...)
	if err != nil {
		return nil, nil, err
	}
	s, peer, err := netconf.Dial(o.traced(ctx), cfg, hello)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to connect to %s", device.Name)
	}

	level, err := netconf.Negotiate(hello, peer)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	s.SetLevel(level)
	log.WithFields(log.Fields{"device": device.Name, "level": level}).Debug("netconf session established")
	return s, peer, nil
}

func newHelloCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "hello <device>",
		Short: "Print the NETCONF capabilities of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, peer, err := dialNetconf(cmd.Context(), o, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			hello, err := netconf.ParseHello(peer)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session-id: %d\nframing: %s\n", hello.SessionID, s.Level())
			for _, capability := range hello.Capabilities {
				fmt.Fprintln(out, capability)
			}
			_, err = s.Call([]byte(closeSession))
			return err
		},
	}
}

func newRPCCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rpc <device> <operation>",
		Short: "Send a NETCONF rpc to a device and print the reply",
		Long:  "Wraps the XML operation in an rpc element and prints the content of the rpc-reply.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := dialNetconf(cmd.Context(), o, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			reply, err := s.Call([]byte(args[1]))
			if reply != nil {
				fmt.Fprintln(cmd.OutOrStdout(), reply.Data)
			}
			if err != nil {
				return err
			}
			_, err = s.Call([]byte(closeSession))
			return err
		},
	}
}
