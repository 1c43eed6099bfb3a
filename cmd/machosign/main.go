// Command machosign signs a Mach-O binary or universal binary with an
// embedded code-signature SuperBlob (spec.md §6).
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/appsworld/go-macho-sign/cmd/machosign/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.Root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
