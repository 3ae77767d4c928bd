package logger

import (
	"sync"

	"github.com/LukasMendel/PayFox/internal/pkg/env"
	"go.uber.org/zap"
)

var (
	once sync.Once
	log  *zap.Logger
)

// Get returns the process-wide structured logger, building it on first use.
func Get() *zap.Logger {
	once.Do(func() {
		var err error
		if env.IsDev() {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		if err != nil {
			log = zap.NewNop()
		}
	})
	return log
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
