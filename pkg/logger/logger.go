package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New builds the process logger: JSON in prod, console otherwise.
func New(env string) Sugared {
	var z *zap.Logger
	if env == "prod" {
		z, _ = zap.NewProduction()
	} else {
		z, _ = zap.NewDevelopment()
	}
	return z.Sugar().With("service", "oidcgate")
}
