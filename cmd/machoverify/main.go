// Command machoverify re-parses a signed Mach-O binary and reports, per
// slice, whether the signature start is 16-byte aligned and whether the
// signature ends at the end of __LINKEDIT, plus each Code Directory's
// identifier, team ID and CDHash. It does not recompute page digests.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/appsworld/go-macho-sign/cmd/machoverify/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.Root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
