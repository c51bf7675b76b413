package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/engine"
	"arbiter/internal/logger"
	"arbiter/internal/store/gormstore"
	apihttp "arbiter/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 应用级编排：加载配置→装配依赖→启动 HTTP 服务与缓存清扫。
type App struct {
	cfg        *config.Config
	engine     *engine.Engine
	httpServer *apihttp.Server
	store      *gormstore.Store
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与后台清扫，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpServer.Start(ctx); err != nil {
			return fmt.Errorf("api http server error: %w", err)
		}
		return nil
	})

	sweep := time.Duration(a.cfg.Engine.CacheSweepIntervalSec) * time.Second
	group.Go(func() error {
		err := a.engine.RunSweeper(ctx, sweep)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Infof("[app] decision engine listening on %s", a.httpServer.Addr())
	err := group.Wait()

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := a.engine.Shutdown(shCtx); serr != nil {
		logger.Errorf("[app] engine shutdown: %v", serr)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			logger.Errorf("[app] close decision store: %v", cerr)
		}
	}
	return err
}

// Engine 暴露底层引擎实例（测试/回放用）。
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
