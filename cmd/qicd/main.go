package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/app"
	"github.com/quantuminterface/qiclib/config"
)

var (
	configDirectory = flag.String(
		"config",
		filepath.Join(".", ".config"),
		"the configuration directory",
	)
	debug = flag.Bool(
		"debug",
		false,
		"sets log output to debug (verbose)",
	)
	listenAddr = flag.String(
		"listen",
		"",
		"overrides the configured protocol listen address",
	)
	printVersion = flag.Bool(
		"version",
		false,
		"print the daemon version and exit",
	)
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println("qicd", config.Version)
		return
	}

	cfg, err := config.LoadConfig(*configDirectory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger, closer, err := cfg.CreateLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}
	defer closer.Close()

	node, err := app.NewNode(logger, cfg)
	if err != nil {
		logger.Fatal("failed to assemble node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := node.Start(ctx); err != nil {
		node.Stop()
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
	node.Stop()
}
