package app

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/SiloDB/src/engine"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/pkg/utils"
)

const CloseTimeout = 15 * time.Second

// Entrypoint loads the environment, builds the logger and runs the engine
// until the context is cancelled.
type Entrypoint struct {
	Env engine.Options

	e   *engine.Engine
	log common.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	// a missing .env is fine; the environment itself still applies
	_ = godotenv.Load()

	env, err := engine.LoadOptionsFromEnv()
	if err != nil {
		return err
	}
	e.Env = env

	var log common.Logger
	if env.Environment == engine.EnvDev {
		log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		log = utils.Must(zap.NewProduction()).Sugar()
	}
	e.log = log

	e.e, err = engine.New(env, afero.NewOsFs(), log)
	if err != nil {
		return err
	}
	return e.e.Initialize()
}

// Run serves until ctx is cancelled, taking periodic snapshots alongside.
func (e *Entrypoint) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.e.SnapshotManager().TriggerSnapshotImmediate(true); err != nil {
					e.log.Errorf("periodic snapshot failed: %v", err)
				}
			}
		}
	})
	return g.Wait()
}

func (e *Entrypoint) Engine() *engine.Engine { return e.e }

func (e *Entrypoint) Close() (err error) {
	if e.e != nil {
		err = e.e.Uninitialize()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorf("failed to close engine: %v", err)
		}

		logErr := e.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}
