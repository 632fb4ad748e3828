package numbering

import (
	"github.com/smallbiznis/invoicing/internal/numbering/repository"
	"github.com/smallbiznis/invoicing/internal/numbering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("numbering.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
