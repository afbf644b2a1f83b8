package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xhd2015/dlv-pump/debug"
	"github.com/xhd2015/dlv-pump/debug/model"
	"github.com/xhd2015/dlv-pump/log"
	debugtools "github.com/xhd2015/dlv-pump/tools/debug"
)

// install: go install ./cmd/dlv-pump
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var v *viper.Viper

	root := &cobra.Command{
		Use:   "dlv-pump",
		Short: "Dispatch debug events of Delve servers",
		Long: `dlv-pump attaches to Delve servers (dlv dap or dlv --headless) and
dispatches their debug events to breakpoints and listeners.

Configuration is read from .dlv-pump.yaml in the home or working directory,
.env files and DLV_PUMP_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			v, err = newViper(configFile)
			if err != nil {
				return err
			}
			flags := cmd.Root().PersistentFlags()
			for key, flag := range boundFlags {
				if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
					return fmt.Errorf("failed to bind %s flag: %w", flag, err)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.dlv-pump.yaml)")
	root.PersistentFlags().String("debugger", debug.TransportDAP, "Transport of the Delve server: 'dap' or 'headless'")
	root.PersistentFlags().Duration("request-timeout", 3*time.Second, "How long requests to a debuggee wait for a reply")
	root.PersistentFlags().String("log-level", "info", "Log level: trace, debug, info, warn or error")
	root.PersistentFlags().Bool("trace", false, "Log every dispatched event")

	root.AddCommand(newServeCmd(func() *viper.Viper { return v }))
	root.AddCommand(newAttachCmd(func() *viper.Viper { return v }))
	return root
}

// boundFlags maps config keys to the flags overriding them.
var boundFlags = map[string]string{
	keyTransport:      "debugger",
	keyRequestTimeout: "request-timeout",
	keyLogLevel:       "log-level",
	keyTrace:          "trace",
}

func newSession(cfg config, logger log.Logger) *model.Session {
	return model.NewSession(
		model.WithLogger(logger),
		model.WithRequestTimeout(cfg.RequestTimeout),
		model.WithTrace(cfg.Trace),
	)
}

func newServeCmd(getViper func() *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the debug tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := getViper()
			cfg := readConfig(v)
			logger, closer, err := newLogger(cfg.Log, defaultLogFile)
			if err != nil {
				return err
			}
			defer closer.Close()

			session := newSession(cfg, logger)
			defer session.Close()
			watchRequestTimeout(v, logger, session.SetRequestTimeout)

			s := server.NewMCPServer(
				"Delve Event Pump MCP",
				"1.0.0",
				server.WithToolCapabilities(true),
			)
			debugtools.RegisterTools(s, session, debugtools.ToolOptions{
				Transport: cfg.Transport,
				Logger:    logger,
			})

			logger.Infof("MCP Server listening on stdio...")
			if err := server.ServeStdio(s); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
}

func newAttachCmd(getViper func() *viper.Viper) *cobra.Command {
	var breakOnPanic bool
	cmd := &cobra.Command{
		Use:   "attach <addr>",
		Short: "Attach to a Delve server and log debug events until it terminates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v := getViper()
			cfg := readConfig(v)
			logger, closer, err := newLogger(cfg.Log, nil)
			if err != nil {
				return err
			}
			defer closer.Close()

			session := newSession(cfg, logger)
			defer session.Close()
			watchRequestTimeout(v, logger, session.SetRequestTimeout)
			session.Bus().Subscribe(func(msg model.Message) {
				logger.Infof("%v", msg)
			})

			vm, err := debug.Dial(ctx, cfg.Transport, args[0], debug.DialOptions{
				Logger:         logger,
				RequestTimeout: cfg.RequestTimeout,
			})
			if err != nil {
				return err
			}
			target, err := session.Attach(ctx, vm)
			if err != nil {
				vm.Close()
				return err
			}
			if breakOnPanic {
				for _, bp := range []model.Breakpoint{model.NewPanicBreakpoint(), model.NewFatalThrowBreakpoint()} {
					if err := target.AddBreakpoint(ctx, bp); err != nil {
						logger.Warnf("%s: %v", bp, err)
					}
				}
			}

			select {
			case <-target.Done():
				logger.Infof("%s terminated, exit code %d", target.Name(), target.ExitCode())
			case <-ctx.Done():
				disconnectCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
				defer cancel()
				if err := target.Disconnect(disconnectCtx); err != nil {
					logger.Warnf("disconnect %s: %v", target.Name(), err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&breakOnPanic, "break-on-panic", false, "Suspend goroutines stopped by a panic or fatal error")
	return cmd
}
