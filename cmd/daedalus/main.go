package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("Command failed", zap.Error(err))
		return 1
	}
	return 0
}
