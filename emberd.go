package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/app/defense"
	"github.com/embernet/emberd/domain/mempool/orphanpool"
	"github.com/embernet/emberd/domain/model"
	"github.com/embernet/emberd/infrastructure/config"
	"github.com/embernet/emberd/infrastructure/db/database"
	"github.com/embernet/emberd/infrastructure/db/database/ldb"
	"github.com/embernet/emberd/infrastructure/logger"
	"github.com/embernet/emberd/infrastructure/network/discouragement"
	"github.com/embernet/emberd/infrastructure/network/eviction"
	"github.com/embernet/emberd/infrastructure/network/misbehavior"
	"github.com/embernet/emberd/infrastructure/network/peers"
	"github.com/embernet/emberd/infrastructure/os/signal"
	"github.com/embernet/emberd/util/mstime"
	"github.com/embernet/emberd/util/panics"
	"github.com/embernet/emberd/version"
)

const dbDirname = "db"

// shutdownTimeout bounds how long a graceful shutdown may take before the
// process is forced down.
const shutdownTimeout = time.Minute

// emberd is a wrapper for all the emberd services.
type emberd struct {
	cfg            *config.Config
	database       database.Database
	defenseManager *defense.Manager

	started, shutdown int32
}

// start launches all the emberd services.
func (e *emberd) start() {
	// Already started?
	if atomic.AddInt32(&e.started, 1) != 1 {
		return
	}

	log.Trace("Starting emberd")
	e.defenseManager.Start()
}

// stop gracefully shuts down all the emberd services.
func (e *emberd) stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&e.shutdown, 1) != 1 {
		log.Infof("Emberd is already in the process of shutting down")
		return nil
	}

	log.Warnf("Emberd shutting down")
	e.defenseManager.Stop()

	err := e.database.Close()
	if err != nil {
		log.Errorf("Error closing the database: %+v", err)
	}
	return nil
}

// newEmberd assembles an emberd instance from the given configuration. Use
// start to begin driving the defense policies.
func newEmberd(cfg *config.Config) (*emberd, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	discouragementStore, err := discouragement.New(db, cfg.DiscouragementDuration)
	if err != nil {
		return nil, err
	}

	registry := peers.NewRegistry()

	tracker := misbehavior.NewTracker(&misbehavior.Config{
		DiscouragementThreshold: cfg.DiscouragementThreshold,
		DisableDiscouragement:   cfg.DisableDiscouragement,
	}, registry, discouragementStore)

	chainTip := model.NewChainTip(mstime.Now())

	policy := eviction.New(&eviction.Config{
		MaxOutboundFullRelay:   cfg.MaxOutboundFullRelay,
		MaxOutboundBlockRelay:  cfg.MaxOutboundBlockRelay,
		MaxOutboundFeelers:     cfg.MaxOutboundFeelers,
		ProtectedOutboundPeers: cfg.ProtectedOutboundPeers,
		TargetBlockInterval:    cfg.TargetBlockInterval,
		StaleTipFactor:         cfg.StaleTipFactor,
		MinimumConnectTime:     cfg.MinimumConnectTime,
		ChainSyncTimeout:       cfg.ChainSyncTimeout,
	}, registry, chainTip, func() {
		log.Infof("Tip is stale, requesting an extra outbound connection")
	})

	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	pool := orphanpool.New(&orphanpool.Config{
		MaximumOrphanTransactionCount:  cfg.MaxOrphanTxs,
		MaximumOrphanTransactionInputs: cfg.MaxOrphanTxInputs,
	}, random)

	manager := defense.NewManager(registry, tracker, policy, pool, discouragementStore)

	return &emberd{
		cfg:            cfg,
		database:       db,
		defenseManager: manager,
	}, nil
}

func openDB(cfg *config.Config) (database.Database, error) {
	dbPath := filepath.Join(cfg.DataDir, dbDirname)
	log.Infof("Loading database from '%s'", dbPath)
	return ldb.NewLevelDB(dbPath, cfg.DBCacheSizeMiB)
}

// startApp loads the configuration, starts the services and blocks until an
// interrupt is received.
func startApp() error {
	defer panics.HandlePanic(log, nil)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger.InitLog(cfg.LogFile(), cfg.ErrLogFile())
	if !logger.SetLogLevels(cfg.LogLevel) {
		err := errors.Errorf("invalid log level %s", cfg.LogLevel)
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logger.BackendLog().Close()

	log.Infof("Version %s", version.Version())

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	interrupt := signal.InterruptListener()

	app, err := newEmberd(cfg)
	if err != nil {
		log.Errorf("Unable to start emberd: %+v", err)
		return err
	}
	defer func() {
		err := app.stop()
		if err != nil {
			log.Errorf("Error stopping emberd: %+v", err)
		}
	}()

	app.start()

	<-interrupt

	// If the deferred stop hangs, take the process down anyway.
	spawnAfter(shutdownTimeout, func() {
		panics.Exit(log, "Graceful shutdown timed out")
	})
	return nil
}
