// Command queued operates the stateless job queue: it serves the trigger and
// monitoring routes, and runs one-shot drains and maintenance from cron.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
