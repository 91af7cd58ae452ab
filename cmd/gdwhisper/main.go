package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/gdwhisper"
)

var (
	Version = "current"
)

func main() {
	os.Exit(_main())
}

func _main() int {
	gdwhisper.Version = Version
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	var cli gdwhisper.CLI
	return cli.Run(ctx)
}
