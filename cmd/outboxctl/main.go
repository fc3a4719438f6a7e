// Command outboxctl inspects and repairs the outbox table.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(connect).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
