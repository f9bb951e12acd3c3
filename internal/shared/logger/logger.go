package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	level  zap.AtomicLevel
	once   sync.Once
)

// GetLogger returns zap.Logger instance, but using singleton pattern creates only one reusable instace.
// Development config unless APP_ENV=production, initial level from LOG_LEVEL.
func GetLogger() *zap.Logger {
	once.Do(func() {
		_ = godotenv.Load()

		var cfg zap.Config
		if strings.EqualFold(os.Getenv("APP_ENV"), "production") {
			cfg = zap.NewProductionConfig()
		} else {
			cfg = zap.NewDevelopmentConfig()
		}
		level = cfg.Level
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			_ = setLevel(lvl)
		}

		var err error
		logger, err = cfg.Build()
		if err != nil {
			panic("failed logger setup : " + err.Error())
		}
	})
	return logger
}

// SetLevel changes the level of the shared logger at runtime.
func SetLevel(lvl string) error {
	GetLogger()
	return setLevel(lvl)
}

func setLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}
