//go:build linux

// File: cmd/wsrpcd/main.go
// wsrpcd serves a debug JSON-RPC surface over a raw WebSocket listener:
// an echo method, a server-time method, and a periodic "tick" event for
// subscription testing against any conforming client.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codehz/wsrpc/reactor"
	"github.com/codehz/wsrpc/rpc"
	"github.com/codehz/wsrpc/transport"
)

type serveOptions struct {
	listen   string
	certFile string
	keyFile  string
	tick     time.Duration
}

func main() {
	opts := serveOptions{}
	root := &cobra.Command{
		Use:   "wsrpcd",
		Short: "Bidirectional JSON-RPC 2.0 debug server over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	root.Flags().StringVarP(&opts.listen, "listen", "l", "ws://127.0.0.1:8818/api", "listen address (ws://, wss://, ws+unix://, wss+unix://)")
	root.Flags().StringVar(&opts.certFile, "cert", "", "TLS certificate file (wss schemes)")
	root.Flags().StringVar(&opts.keyFile, "key", "", "TLS private key file (wss schemes)")
	root.Flags().DurationVar(&opts.tick, "tick", 5*time.Second, "interval of the built-in tick event, 0 to disable")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type loggingCallbacks struct {
	rpc.NopCallbacks
	logger *zap.Logger
}

func (c *loggingCallbacks) OnAccept(client rpc.ClientHandle) {
	c.logger.Info("client connected", zap.String("id", client.ID()))
}

func (c *loggingCallbacks) OnRemove(client rpc.ClientHandle) {
	c.logger.Info("client disconnected", zap.String("id", client.ID()))
}

func serve(opts serveOptions) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	re, err := reactor.New()
	if err != nil {
		return err
	}
	defer re.Close()

	var serverOpts []transport.ServerOption
	if opts.certFile != "" || opts.keyFile != "" {
		ctx, err := transport.NewServerTLSContext(opts.certFile, opts.keyFile)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, transport.WithServerTLS(ctx))
	}
	srv, err := transport.NewServer(opts.listen, re, serverOpts...)
	if err != nil {
		return err
	}

	dispatcher := rpc.New(srv, rpc.WithCallbacks(&loggingCallbacks{logger: logger}))
	dispatcher.Register("echo", func(_ rpc.ClientHandle, params any) (any, error) {
		return params, nil
	})
	dispatcher.Register("time", func(_ rpc.ClientHandle, _ any) (any, error) {
		return time.Now().Format(time.RFC3339Nano), nil
	})
	dispatcher.Event("tick")
	if err := dispatcher.Start(); err != nil {
		return err
	}

	stopTick := make(chan struct{})
	if opts.tick > 0 {
		go func() {
			ticker := time.NewTicker(opts.tick)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-stopTick:
					return
				case <-ticker.C:
					seq++
					dispatcher.Emit("tick", seq)
				}
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutting down", zap.String("signal", sig.String()))
		close(stopTick)
		dispatcher.Stop()
		re.Shutdown()
	}()

	logger.Info("listening", zap.String("address", opts.listen))
	return re.Wait()
}
