package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"entralink/internal/cli"
)

// main hands off to the command tree. Business logic lives in internal
// service packages.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
