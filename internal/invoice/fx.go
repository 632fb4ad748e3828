package invoice

import (
	"github.com/smallbiznis/invoicing/internal/invoice/service"
	"github.com/smallbiznis/invoicing/internal/validator"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(validator.New),
	fx.Provide(service.NewService),
)
