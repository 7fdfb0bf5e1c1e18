// Command gatewayd runs the orchestrator's websocket gateway daemon,
// generalizing the teacher's hand-rolled cmd/cli subcommand switch into a
// proper cobra command tree: run starts the daemon in the foreground;
// status, rotate-token, and stop are thin clients that dial an
// already-running daemon over its own protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/gateway"
	"github.com/codeorc/orchestrator/internal/infrastructure/config"
	"github.com/codeorc/orchestrator/internal/infrastructure/logger"
	"github.com/codeorc/orchestrator/internal/sessionrt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "codeorc gateway daemon",
	}
	root.AddCommand(newRunCmd(), newStatusCmd(), newRotateTokenCmd(), newStopCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the gateway daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parentCtx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck

	rt, err := sessionrt.New(cfg, zlog)
	if err != nil {
		return fmt.Errorf("build session runtime: %w", err)
	}
	defer rt.Close()

	d, err := gateway.New(cfg, rt, zlog)
	if err != nil {
		return fmt.Errorf("build gateway daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start gateway daemon: %w", err)
	}
	zlog.Info("gatewayd running", zap.String("addr", d.Addr()))

	<-ctx.Done()
	zlog.Info("gatewayd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Gateway.GracefulTimeoutMs)*time.Millisecond+time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// dialRunningDaemon loads config, locates the already-started daemon via
// its pid/token files, and completes the handshake.
func dialRunningDaemon(ctx context.Context) (*config.Config, *gateway.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	host, port, err := gateway.ReadPIDFile(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway not running: %w", err)
	}
	token, err := gateway.ReadToken(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("read token: %w", err)
	}
	client, err := gateway.DialAndAuthenticate(ctx, host, port, token)
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

func newStatusCmd() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "report the running daemon's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := dialRunningDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			method := gateway.MethodHealth
			if deep {
				method = gateway.MethodStatusDeep
			}
			resp, err := client.Call(method, map[string]any{})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			fmt.Printf("%+v\n", resp.Payload)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "include per-session worker detail")
	return cmd
}

func newRotateTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-token",
		Short: "rotate the daemon's auth token, revoking every other connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := dialRunningDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Call(gateway.MethodGatewayRotateToken, map[string]any{})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			fmt.Printf("%+v\n", resp.Payload)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "ask the running daemon to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := dialRunningDaemon(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Call(gateway.MethodGatewayStop, map[string]any{})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			fmt.Println("stopping")
			return nil
		},
	}
}
