//go:build wireinject

package app

import (
	"context"

	"arbiter/internal/config"

	"github.com/google/wire"
)

func provideAppBuilderInject(cfg *config.Config) *AppBuilder { return NewAppBuilder(cfg) }

func provideAppInject(b *AppBuilder, ctx context.Context) (*App, error) { return b.Build(ctx) }

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	wire.Build(
		provideAppBuilderInject,
		provideAppInject,
	)
	return nil, nil
}
