package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/damianoneill/netdev/config"
	"github.com/damianoneill/netdev/transport"
)

const envPrefix = "NETDEV"

var traceHooks = map[string]*transport.Trace{
	"none":       transport.NoOpLoggingHooks,
	"default":    transport.DefaultLoggingHooks,
	"metric":     transport.MetricLoggingHooks,
	"diagnostic": transport.DiagnosticLoggingHooks,
}

// options holds the resolved persistent flags.
type options struct {
	v *viper.Viper
}

func (o *options) inventory() (*config.Inventory, error) {
	return config.Load(o.v.GetString("config"))
}

func (o *options) device(name string) (*config.Device, error) {
	inv, err := o.inventory()
	if err != nil {
		return nil, err
	}
	return inv.Device(name)
}

// traced delivers a context carrying the selected trace hooks.
func (o *options) traced(ctx context.Context) context.Context {
	trace, ok := traceHooks[o.v.GetString("trace")]
	if !ok {
		trace = transport.DefaultLoggingHooks
	}
	// Hooks are merged into the trace in place, so each command gets its own copy.
	copied := *trace
	return transport.WithTrace(ctx, &copied)
}

func newRootCmd() *cobra.Command {
	o := &options{v: viper.New()}

	root := &cobra.Command{
		Use:           "netdev",
		Short:         "Automate network devices over SSH",
		Long:          "Runs CLI commands and NETCONF requests against the devices described by a YAML inventory file.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(o.v.GetString("log-level"))
			if err != nil {
				return errors.Wrap(err, "invalid --log-level")
			}
			log.SetLevel(level)
			log.SetOutput(cmd.ErrOrStderr())

			if _, ok := traceHooks[o.v.GetString("trace")]; !ok {
				return errors.Errorf("invalid --trace %q", o.v.GetString("trace"))
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "inventory.yaml", "Path to the YAML device inventory")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("trace", "default", "Trace hooks (none, default, metric, diagnostic)")
	_ = o.v.BindPFlags(flags)
	o.v.SetEnvPrefix(envPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	root.AddCommand(newRunCmd(o), newHelloCmd(o), newRPCCmd(o))
	return root
}
