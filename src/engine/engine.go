package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/memory"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/snapshot"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/storage/array"
	"github.com/Blackdeer1524/SiloDB/src/storage/hash"
	"github.com/Blackdeer1524/SiloDB/src/storage/masstree"
	"github.com/Blackdeer1524/SiloDB/src/storage/sequential"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// Engine owns every subsystem and is the single handle the rest of the world
// goes through; there is no process-global state. Subsystems hold raw
// references to each other, never back to the engine.
type Engine struct {
	opts Options
	log  common.Logger
	fs   afero.Fs

	pools       *memory.Pools
	logMgr      *logpkg.Manager
	storageMgr  *storage.Manager
	xctMgr      *xct.Manager
	snapshotMgr *snapshot.Manager

	initialized atomic.Bool
	nextThread  atomic.Uint32
}

func New(opts Options, fs afero.Fs, logger common.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{opts: opts, log: logger, fs: fs}

	e.pools = memory.NewPools(opts.ThreadGroupCount, memory.Options{
		UseNumaAlloc:        opts.UseNumaAlloc,
		InterleaveNumaAlloc: opts.InterleaveNumaAlloc,
		PagesPerNode:        opts.PagePoolPagesPerNode,
	}, logger)

	e.logMgr = logpkg.NewManager(
		fs, filepath.Join(opts.DataDir, "logs"),
		opts.ThreadGroupCount, opts.LoggersPerNode, logger)

	e.storageMgr = storage.NewManager(e.pools, logger)
	e.storageMgr.RegisterFactory(storage.TypeArray, array.NewStore)
	e.storageMgr.RegisterFactory(storage.TypeHash, hash.NewStore)
	e.storageMgr.RegisterFactory(storage.TypeMasstree, masstree.NewStore)
	e.storageMgr.RegisterFactory(storage.TypeSequential, sequential.NewStore)

	e.xctMgr = xct.NewManager(e.storageMgr, e.logMgr, opts.EpochAdvanceInterval(), logger)

	e.snapshotMgr = snapshot.NewManager(
		fs, filepath.Join(opts.DataDir, "snapshots"),
		e.xctMgr, e.logMgr, e.storageMgr, opts.ThreadGroupCount, logger)

	return e, nil
}

// Initialize brings the modules up in dependency order: memory, log,
// storage, xct, snapshot. The xct manager refuses to start before the
// storage manager exists.
func (e *Engine) Initialize() error {
	if e.initialized.Load() {
		return nil
	}
	if err := e.pools.Initialize(); err != nil {
		return e.rollbackInit(fmt.Errorf("engine: memory init: %w", err))
	}
	if err := e.logMgr.Initialize(); err != nil {
		return e.rollbackInit(fmt.Errorf("engine: log init: %w", err))
	}
	if err := e.storageMgr.Initialize(); err != nil {
		return e.rollbackInit(fmt.Errorf("engine: storage init: %w", err))
	}
	e.storageMgr.Bind(e.xctMgr)
	if err := e.xctMgr.Initialize(); err != nil {
		return e.rollbackInit(fmt.Errorf("engine: xct init: %w", err))
	}
	e.logMgr.SetEpochSource(e.xctMgr)
	if err := e.snapshotMgr.Initialize(); err != nil {
		return e.rollbackInit(fmt.Errorf("engine: snapshot init: %w", err))
	}
	e.initialized.Store(true)
	e.log.Infof("engine initialized: %d nodes, %d loggers/node",
		e.opts.ThreadGroupCount, e.opts.LoggersPerNode)
	return nil
}

func (e *Engine) rollbackInit(cause error) error {
	return errors.Join(cause, e.Uninitialize())
}

func (e *Engine) IsInitialized() bool { return e.initialized.Load() }

// Uninitialize tears down in reverse order, aggregating errors instead of
// stopping at the first one.
func (e *Engine) Uninitialize() error {
	var errs []error
	if err := e.snapshotMgr.Uninitialize(); err != nil {
		errs = append(errs, fmt.Errorf("engine: snapshot uninit: %w", err))
	}
	if err := e.xctMgr.Uninitialize(); err != nil {
		errs = append(errs, fmt.Errorf("engine: xct uninit: %w", err))
	}
	if err := e.storageMgr.Uninitialize(); err != nil {
		errs = append(errs, fmt.Errorf("engine: storage uninit: %w", err))
	}
	if err := e.logMgr.Uninitialize(); err != nil {
		errs = append(errs, fmt.Errorf("engine: log uninit: %w", err))
	}
	if err := e.pools.Uninitialize(); err != nil {
		errs = append(errs, fmt.Errorf("engine: memory uninit: %w", err))
	}
	e.initialized.Store(false)
	return errors.Join(errs...)
}

// NewWorker builds a transaction context pinned to a node. Thread id 0 is
// reserved for storage-level system transactions.
func (e *Engine) NewWorker(node common.NodeID) *xct.Xct {
	id := common.ThreadID(e.nextThread.Add(1))
	return e.xctMgr.NewContext(id, node)
}

func (e *Engine) Options() Options                   { return e.opts }
func (e *Engine) XctManager() *xct.Manager           { return e.xctMgr }
func (e *Engine) StorageManager() *storage.Manager   { return e.storageMgr }
func (e *Engine) LogManager() *logpkg.Manager        { return e.logMgr }
func (e *Engine) SnapshotManager() *snapshot.Manager { return e.snapshotMgr }
