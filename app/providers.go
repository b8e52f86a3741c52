package app

import (
	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/rt"
	"github.com/quantuminterface/qiclib/rt/sim"
)

// provideEngineConfig sizes the databox heap from system memory when the
// configuration leaves it at zero.
func provideEngineConfig(cfg *config.Config) *config.EngineConfig {
	engineCfg := cfg.Engine.WithDefaults()
	if engineCfg.DataBoxHeapBytes == 0 {
		engineCfg.DataBoxHeapBytes = memory.TotalMemory() / 4
	}
	return &engineCfg
}

func provideDBConfig(cfg *config.Config) *config.DBConfig {
	dbCfg := cfg.DB.WithDefaults()
	return &dbCfg
}

func provideSimController(
	engineCfg *config.EngineConfig,
	logger *zap.Logger,
) *sim.Controller {
	return sim.New(engineCfg.CellCount, logger)
}

func provideMetrics() *rt.Metrics {
	return rt.NewMetrics(prometheus.DefaultRegisterer)
}
