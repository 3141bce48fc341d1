package main

import (
	"context"
	"embed"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"omr-viewer/internal/bootstrap"
)

//go:embed frontend/index.html
var appAssets embed.FS

func main() {
	configPath := flag.String("config", "omr-viewer.json", "path to the settings file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	app, err := bootstrap.NewWithAssets(appAssets, *configPath)
	if err != nil {
		log.Fatalf("bootstrap app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("run app: %v", err)
	}
}
