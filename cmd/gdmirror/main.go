package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dl-alexandre/gdmirror/internal/cli"
)

func main() {
	// the first signal cancels the run so partial files are cleaned up;
	// a second one falls through to the default handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
