package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tasksched/internal/app"
	logx "tasksched/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	// Used only when the configured logging is unavailable or already torn down.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		boot.Error("run failed", logx.Err(err))
		os.Exit(1)
	}
}
