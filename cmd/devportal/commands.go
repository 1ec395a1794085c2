package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/devportal/internal/audit"
	"github.com/breeze-rmm/devportal/internal/config"
	"github.com/breeze-rmm/devportal/pkg/portal"
)

func newProcessesCmd(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "processes",
		Short: "Show the device process table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if !watch {
				procs, err := s.client.GetRunningProcesses(cmd.Context())
				if err != nil {
					return err
				}
				return renderProcesses(out, flags.output, procs)
			}

			return s.client.WatchProcesses(cmd.Context(), func(procs *portal.RunningProcesses) error {
				if flags.output == outputText {
					fmt.Fprintln(out)
				}
				return renderProcesses(out, flags.output, procs)
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream process snapshots until interrupted")
	return cmd
}

func newInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device operating system information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			info, err := s.client.OSInfo(cmd.Context())
			if err != nil {
				return err
			}
			return renderOSInfo(cmd.OutOrStdout(), flags.output, info)
		},
	}
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the device address and credentials to the config file",
		Long: `Save --device, --user and --password to the config file so later
commands can omit them. With --check the device is contacted first and
nothing is saved if it does not answer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.device == "" {
				return errors.New("--device is required")
			}
			flags.optionalConfig = true
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			if check {
				s, err := newSession(flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer s.Close()
				if _, err := s.client.OSInfo(cmd.Context()); err != nil {
					return fmt.Errorf("device check failed: %w", err)
				}
			}

			if err := config.SaveTo(cfg, flags.cfgFile); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved credentials for %s\n", cfg.DeviceURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify the device answers before saving")
	return cmd
}

func newAuditCmd(flags *globalFlags) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local audit log",
	}

	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify [file]",
		Short: "Check the hash chain of an audit log file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				path = cfg.AuditPath()
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := audit.Verify(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries verified\n", path, n)
			return nil
		},
	})

	return auditCmd
}
