// Command linknode is a reference binary wiring a single rpclink Endpoint
// over the stdio native-messaging Port. It is meant to be spawned by
// another process (a browser, another linknode, or a test harness) that
// speaks the same length-prefixed framing on the other end of its stdin
// and stdout, demonstrating registration of request/notification handlers
// plus an outbound notification sent from the running Endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/meshlink/linkmesh/rpclink"
	"github.com/meshlink/linkmesh/rpclink/port"
	"github.com/meshlink/linkmesh/rtt"
)

// echoRequest/echoResponse are the demo request kind this binary answers:
// whatever the peer sends as Msg is echoed back unchanged.
type echoRequest struct {
	Msg string `json:"msg"`
}

func (echoRequest) RequestName() string { return "Echo" }

type echoResponse struct {
	Msg string `json:"msg"`
}

// readyNotification is fired once at startup so the peer on the other end
// of the pipe knows this node has finished wiring its handlers.
type readyNotification struct {
	Node string `json:"node"`
}

func (readyNotification) NotificationName() string { return "Ready" }

func main() {
	var (
		self    = flag.String("self", "", "this node's address (required)")
		peer    = flag.String("peer", "", "the address on the other end of stdin/stdout (required)")
		linkRtt = flag.Uint("rtt", 50, "path cost in milliseconds for the stdio link to peer")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *self == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "linknode: both -self and -peer are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(log, *self, *peer, rtt.Rtt(*linkRtt)); err != nil {
		log.Error("linknode exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, self, peer string, linkCost rtt.Rtt) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ep := rpclink.New[string](self, rpclink.Config{Logger: log})

	if err := rpclink.RegisterRequestHandler[string, echoRequest, echoResponse](ep, func(_ context.Context, source string, req echoRequest) (echoResponse, error) {
		log.Debug("answering Echo", "from", source, "msg", req.Msg)
		return echoResponse{Msg: req.Msg}, nil
	}); err != nil {
		return fmt.Errorf("linknode: registering Echo handler: %w", err)
	}

	if err := rpclink.RegisterNotificationHandler[string, readyNotification](ep, func(_ context.Context, source string, n readyNotification) error {
		log.Info("peer ready", "node", n.Node, "from", source)
		return nil
	}); err != nil {
		return fmt.Errorf("linknode: registering Ready handler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ep.Run(gctx)
	})

	stdio := port.NewStdio(port.StdioConfig{Reader: os.Stdin, Writer: os.Stdout, Logger: log})
	if err := ep.AddDirect(gctx, peer, stdio, linkCost); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("linknode: connecting to %s over stdio: %w", peer, err)
	}

	if err := rpclink.SendNotification[string, readyNotification](ep, peer, readyNotification{Node: self}); err != nil {
		log.Warn("failed to announce readiness", "error", err)
	}

	<-gctx.Done()
	log.Info("shutting down", "reason", context.Cause(gctx))

	if err := ep.Close(); err != nil {
		log.Warn("error closing endpoint", "error", err)
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}
