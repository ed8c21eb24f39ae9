// Command stickypool runs a sticky-session front end over a pool of worker
// processes. The same binary serves as master and, through the hidden worker
// command, as every worker.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stickypool/stickypool/internal/app"
	"github.com/stickypool/stickypool/internal/config"
	"github.com/stickypool/stickypool/internal/services/echo"
	"github.com/stickypool/stickypool/internal/worker"
)

// exitCode carries a non-zero process exit code out of a command.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func registry() *worker.Registry {
	r := worker.NewRegistry()
	r.MustRegister(echo.Name, echo.Serve)
	return r
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stickypool",
		Short:         "Sticky-session connection router over a supervised worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newInitCmd(), newWorkerCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the master and its worker pools",
		Long: `Start the master process. It spawns the worker pools named in the
configuration, binds every sticky endpoint and hands each accepted
connection to the worker chosen by the client's address.

Example:
  stickypool run --config /etc/stickypool.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if code := app.RunMaster(cmd.Context(), cfg, registry()); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "stickypool.yaml", "Configuration file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the resolved services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			r := registry()
			out := cmd.OutOrStdout()
			for _, name := range cfg.ServiceNames() {
				svc := cfg.Services[name]
				if _, ok := r.Lookup(svc.EntryPoint); !ok {
					return fmt.Errorf("service %s: unknown entry point %q (known: %v)", name, svc.EntryPoint, r.Names())
				}
				fmt.Fprintf(out, "%s: entry_point=%s workers=%d sticky=%v\n",
					name, svc.EntryPoint, svc.Workers, svc.EndpointIDs())
			}
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "stickypool.yaml", "Configuration file")
	return cmd
}

func newInitCmd() *cobra.Command {
	var (
		configFile string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration with one echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configFile)
			}

			cfg := config.NewDefault()
			cfg.Services[echo.Name] = config.ServiceConfig{
				EntryPoint: echo.Name,
				Workers:    2,
				Sticky:     []config.StickyConfig{{Port: 7000}},
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.SaveToFile(configFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "stickypool.yaml", "Configuration file to write")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run as a worker (started by the master)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := app.RunWorker(cmd.Context(), registry()); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	if code, ok := err.(exitCode); ok {
		os.Exit(int(code))
	}
	fmt.Fprintf(os.Stderr, "stickypool: %v\n", err)
	os.Exit(1)
}
