package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/devportal/internal/audit"
	"github.com/breeze-rmm/devportal/internal/logging"
)

func newAppCmd(flags *globalFlags) *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Manage packaged applications on the device",
	}
	appCmd.AddCommand(newLaunchCmd(flags))
	appCmd.AddCommand(newListCmd(flags))
	appCmd.AddCommand(newRunningCmd(flags))
	appCmd.AddCommand(newTerminateCmd(flags))
	return appCmd
}

func newLaunchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <app-id> <package-full-name>",
		Short: "Start an application and print its process id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			appID, pkg := args[0], args[1]
			opID := uuid.NewString()
			logger := logging.WithOperation(log, opID, pkg)

			logger.Info("launching application", "appId", appID)
			pid, err := s.tm.LaunchApplication(cmd.Context(), appID, pkg)
			s.record(audit.EventAppLaunch, opID, map[string]any{"appId": appID, "package": pkg, "pid": pid}, err)
			if err != nil {
				return err
			}
			return renderLaunch(cmd.OutOrStdout(), flags.output, launchResult{Package: pkg, ProcessID: pid})
		},
	}
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List package names of running or suspended applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			apps, err := s.tm.AppList(cmd.Context(), state)
			if err != nil {
				return err
			}
			return renderPackages(cmd.OutOrStdout(), flags.output, apps)
		},
	}
	cmd.Flags().StringVar(&state, "state", "running", `"running", or anything else for suspended applications`)
	return cmd
}

func newRunningCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List every package with a process on the device, regardless of state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			apps, err := s.tm.RunningApps(cmd.Context())
			if err != nil {
				return err
			}
			return renderPackages(cmd.OutOrStdout(), flags.output, apps)
		},
	}
}

func newTerminateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <package-full-name>...",
		Short: "Stop one or more applications",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			return terminateAll(cmd, s, args)
		},
	}
}

// terminateAll stops every package concurrently, bounded by
// max_concurrent_requests. Every package is attempted; the errors of all
// failures are joined.
func terminateAll(cmd *cobra.Command, s *session, packages []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	ctx := cmd.Context()
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentRequests)

	for _, pkg := range packages {
		g.Go(func() error {
			opID := uuid.NewString()
			logger := logging.WithOperation(log, opID, pkg)

			logger.Info("terminating application")
			err := s.tm.TerminateApplication(ctx, pkg)
			s.record(audit.EventAppTerminate, opID, map[string]any{"package": pkg}, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", pkg, err))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Terminated %s\n", pkg)
			return nil
		})
	}
	// Workers collect failures in errs and always return nil.
	_ = g.Wait()

	return errors.Join(errs...)
}
