package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aura-webinar/meetings/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewApp(), os.Args[1:])
	stop()
	os.Exit(code)
}
