package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/protocol"
	"github.com/quantuminterface/qiclib/rt"
	"github.com/quantuminterface/qiclib/rt/tasks"
	"github.com/quantuminterface/qiclib/store"
)

// Node is the assembled controller daemon: the task engine bound to a
// cell controller, the protocol endpoint, and the program archive.
type Node struct {
	logger  *zap.Logger
	config  *config.Config
	engine  *rt.Engine
	server  *protocol.Server
	archive *store.Archive
	pebble  *store.PebbleDB
}

func newNode(
	logger *zap.Logger,
	cfg *config.Config,
	engine *rt.Engine,
	archive *store.Archive,
	pebble *store.PebbleDB,
) (*Node, error) {
	if err := tasks.RegisterAll(engine); err != nil {
		return nil, err
	}
	return &Node{
		logger:  logger,
		config:  cfg,
		engine:  engine,
		server:  protocol.NewServer(engine, config.Version, logger),
		archive: archive,
		pebble:  pebble,
	}, nil
}

// Engine exposes the task engine, mainly for in-process clients and tests.
func (n *Node) Engine() *rt.Engine { return n.engine }

// Archive exposes the program and result archive.
func (n *Node) Archive() *store.Archive { return n.archive }

// Server exposes the protocol endpoint for loopback transports.
func (n *Node) Server() *protocol.Server { return n.server }

// Start serves the control protocol and the metrics endpoint until the
// context is cancelled, then drains both listeners.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.config.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "start node")
	}
	n.logger.Info(
		"controller daemon listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", config.Version),
	)

	metricsSrv := &http.Server{
		Addr:    n.config.MetricsAddr,
		Handler: metricsMux(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return protocol.Serve(ctx, ln, n.server, n.logger)
	})
	eg.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// Stop releases the node's resources. Call after Start has returned.
func (n *Node) Stop() {
	if n.engine.Busy() {
		if err := n.engine.StopTask(true); err != nil {
			n.logger.Warn("stopping running task failed", zap.Error(err))
		}
	}
	if err := n.pebble.Close(); err != nil {
		n.logger.Warn("closing store failed", zap.Error(err))
	}
	n.logger.Info("controller daemon stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
