package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/damianoneill/netdev/cli"
	"github.com/damianoneill/netdev/config"
)

func newRunCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <device> <command>...",
		Short: "Run CLI commands on a device",
		Long: "Runs each command in turn on a shell or exec session and prints its output. " +
			"Output classified as a warning is reported and the next command is run; " +
			"an error or critical classification stops the run.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := o.device(args[0])
			if err != nil {
				return err
			}
			if device.Protocol == config.Netconf {
				return errors.Errorf("device %q uses netconf; use the hello or rpc commands", device.Name)
			}
			cfg, err := device.CLI()
			if err != nil {
				return err
			}

			s, err := cli.Dial(o.traced(cmd.Context()), cfg)
			if err != nil {
				return errors.Wrapf(err, "failed to connect to %s", device.Name)
			}
			defer s.Close()
			log.WithFields(log.Fields{"device": device.Name, "hostname": s.Hostname()}).Debug("connected")

			out := cmd.OutOrStdout()
			for _, command := range args[1:] {
				output, err := s.Run(command)
				if output != "" {
					fmt.Fprintln(out, output)
				}
				var outputErr *cli.OutputError
				if errors.As(err, &outputErr) && outputErr.Severity == cli.Warning {
					log.WithFields(log.Fields{"device": device.Name, "command": command}).Warn(outputErr.Error())
					continue
				}
				if err != nil {
					return err
				}
				if s.IsClosed() {
					return errors.Errorf("%s closed the session", device.Name)
				}
			}
			return nil
		},
	}
}
