// Package mlscore wires the six coordination-core components (shared
// key-value store, process coordinator, state version manager, handshake
// store and doorbell, user operation coordinator, and MLS context manager)
// into a single constructed object, per spec.md §9's replacement of
// process-global singletons with explicit ownership: there is no
// package-level state anywhere in this module: every process constructs
// its own *Core and passes it by reference to whatever needs it.
package mlscore

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/joshlacal/mlscore/activity"
	"github.com/joshlacal/mlscore/config"
	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/handshake"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/logging"
	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/mlsctx"
	"github.com/joshlacal/mlscore/opcoord"
)

// Options are the inputs New needs to construct a Core. Engine,
// ContextFactory, MessageStore, and SecretStore are the external
// collaborators spec.md §1 declares out of scope for this module; callers
// supply concrete implementations (the real MLS engine, the app's SQL
// message store, the platform keychain) that satisfy the engine package's
// interfaces.
type Options struct {
	// SharedContainerDir is the root of the shared container (spec.md §6).
	// Required.
	SharedContainerDir string

	// ConfigPath, if non-empty, names a YAML file of tunable overrides
	// (see package config). Missing files are not an error.
	ConfigPath string

	// Logger is used as-is if provided; otherwise New builds one via
	// package logging at info level to stderr.
	Logger *zerolog.Logger

	// Process names this process in every log line ("app" or "worker"),
	// when Logger is not explicitly supplied.
	Process string

	Engine         engine.Engine
	ContextFactory engine.ContextFactory
	MessageStore   engine.MessageStore
	SecretStore    engine.SecretStore
}

// Core is the single root object a process constructs at startup. All of
// its methods are safe for concurrent use.
type Core struct {
	logger zerolog.Logger
	cfg    config.Config

	kv       kvstore.Store
	coord    *opcoord.Coordinator
	doorbell *handshake.Doorbell

	handshakeLock  *lockfile.Lock
	handshakeStore *handshake.Store

	activity *activity.Flag
	mls      *mlsctx.Manager
}

// New constructs a Core, opening (and creating, if necessary) every file
// this module owns under opts.SharedContainerDir. The returned Core must
// be closed with Close when the process shuts down.
func New(opts Options) (*Core, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.SharedContainerDir != "" {
		cfg.SharedContainerDir = opts.SharedContainerDir
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = logging.New(logging.Options{Process: opts.Process})
	}

	kv, err := kvstore.Open(filepath.Join(cfg.SharedContainerDir, "shared.db"), logger)
	if err != nil {
		return nil, err
	}

	coord := opcoord.New(logger)

	handshakeLock, err := lockfile.Open(filepath.Join(cfg.SharedContainerDir, "handshake.lock"))
	if err != nil {
		_ = kv.Close()
		coord.Close()
		return nil, err
	}
	handshakeStore := handshake.NewStore(kv, handshakeLock)

	doorbell, err := handshake.OpenDoorbell(filepath.Join(cfg.SharedContainerDir, "doorbell"))
	if err != nil {
		_ = kv.Close()
		coord.Close()
		_ = handshakeLock.Close()
		return nil, err
	}

	mls, err := mlsctx.New(mlsctx.Config{
		Logger:             logger,
		KV:                 kv,
		Coordinator:        coord,
		Engine:             opts.Engine,
		ContextFactory:     opts.ContextFactory,
		MessageStore:       opts.MessageStore,
		SecretStore:        opts.SecretStore,
		SharedContainerDir: cfg.SharedContainerDir,
		CacheSize:          cfg.ContextCacheSize,
		ScopeTimeout:       cfg.ScopeTimeout,
		BatchTimeout:       cfg.BatchTimeout,
		LockTimeout:        cfg.AdvisoryLockTimeout,
	})
	if err != nil {
		_ = kv.Close()
		coord.Close()
		_ = handshakeLock.Close()
		_ = doorbell.Close()
		return nil, err
	}

	return &Core{
		logger:         logger,
		cfg:            cfg,
		kv:             kv,
		coord:          coord,
		doorbell:       doorbell,
		handshakeLock:  handshakeLock,
		handshakeStore: handshakeStore,
		activity:       activity.New(kv),
		mls:            mls,
	}, nil
}

// Close releases every resource New opened. Safe to call once.
func (c *Core) Close() error {
	c.mls.Close()
	c.coord.Close()
	doorbellErr := c.doorbell.Close()
	lockErr := c.handshakeLock.Close()
	kvErr := c.kv.Close()
	for _, err := range []error{doorbellErr, lockErr, kvErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ringStateChanged posts a best-effort state_changed doorbell signal,
// logging (never propagating) a failure to do so: per spec.md §4.4,
// correctness never depends on doorbell delivery.
func (c *Core) ringStateChanged() {
	if err := c.doorbell.Ring(handshake.ChannelStateChanged); err != nil {
		c.logger.Warn().Err(err).Msg("mlscore: failed to ring state_changed doorbell")
	}
}

// Doorbell exposes the shared doorbell for callers that want to subscribe
// to (or ring) channels directly, e.g. a foreground process driving its UI
// off state_changed.
func (c *Core) Doorbell() *handshake.Doorbell { return c.doorbell }

// Activity exposes the account-activity flag (spec.md §4.7), consulted
// only by worker-process call sites.
func (c *Core) Activity() *activity.Flag { return c.activity }
