package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/devportal/internal/logging"
)

var (
	version = "0.1.0"
	log     = logging.L("cli")
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "devportal",
		Short:         "Device portal client",
		Long:          `devportal - launch, list and terminate applications on a remote device through its portal API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/devportal/devportal.yaml)")
	pf.StringVar(&flags.device, "device", "", "device portal address, e.g. https://10.0.0.5:11443")
	pf.StringVar(&flags.username, "user", "", "device portal username")
	pf.StringVar(&flags.password, "password", "", "device portal password")
	pf.StringVarP(&flags.output, "output", "o", outputText, "output format: text, json or yaml")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newAppCmd(flags))
	rootCmd.AddCommand(newProcessesCmd(flags))
	rootCmd.AddCommand(newInfoCmd(flags))
	rootCmd.AddCommand(newLoginCmd(flags))
	rootCmd.AddCommand(newAuditCmd(flags))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devportal v%s\n", version)
		},
	})

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fail(os.Stderr, err)
	}
}
