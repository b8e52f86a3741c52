package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
)

func TestNewNodeAssemblesEngine(t *testing.T) {
	cfg := config.Config{
		Engine: config.EngineConfig{
			CellCount:        3,
			DataBoxHeapBytes: 1 << 20,
		},
		DB:          config.DBConfig{InMemoryDONOTUSE: true},
		ListenAddr:  "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:0",
	}
	cfg = cfg.WithDefaults()

	node, err := NewNode(zap.NewNop(), &cfg)
	require.NoError(t, err)
	defer node.Stop()

	// Built-in tasks are registered during assembly.
	require.NoError(t, node.Engine().ProgramTask("state_count"))
	require.NoError(t, node.Engine().StopTask(true))
	assert.Equal(t, 3, node.Engine().Controller().CellCount())

	// The daemon serves until cancelled and shuts down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
}
