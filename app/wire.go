//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/rt"
	"github.com/quantuminterface/qiclib/rt/sim"
	"github.com/quantuminterface/qiclib/store"
)

var engineSet = wire.NewSet(
	provideEngineConfig,
	provideSimController,
	wire.Bind(new(rt.CellController), new(*sim.Controller)),
	provideMetrics,
	rt.NewEngine,
)

var storeSet = wire.NewSet(
	provideDBConfig,
	store.NewPebbleDB,
	wire.Bind(new(store.KVDB), new(*store.PebbleDB)),
	store.NewArchive,
)

func NewNode(*zap.Logger, *config.Config) (*Node, error) {
	panic(wire.Build(
		engineSet,
		storeSet,
		newNode,
	))
}
