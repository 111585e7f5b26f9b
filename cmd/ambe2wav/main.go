package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbehnke/ambetools/internal/cli"
	"github.com/dbehnke/ambetools/pkg/transcode"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	// SIGINT and SIGTERM stop the conversion between frames
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := &cli.App{
		Name:      "ambe2wav",
		Direction: transcode.ToWAV,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	}
	code := app.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
