package main

import (
	"context"
	"os"

	"github.com/cristianortiz/liveauction/internal/cli"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"go.uber.org/zap"
)

func main() {
	// Inicializa logger
	logger := logger.GetLogger()
	defer logger.Sync()

	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		logger.Error("liveauction failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
