package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		res, err := Migrate(conn)
		if err != nil {
			return err
		}
		if res.Dirty {
			log.Warn("database schema is dirty", zap.Uint("version", res.Version))
		}
		log.Info("database schema up to date",
			zap.String("dialect", res.Dialect),
			zap.Uint("version", res.Version),
		)
		return nil
	}),
)
