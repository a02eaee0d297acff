package registry

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/clawtrace/internal/registry/repository"
	"github.com/smallbiznis/clawtrace/internal/registry/service"
)

var Module = fx.Module("registry.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
