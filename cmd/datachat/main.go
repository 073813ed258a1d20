// Command datachat is a terminal client for CSV analysis. It runs the same
// agent as the web server in-process: upload files, ask questions, and the
// model answers by running Python in the configured code interpreter.
//
// Examples:
//
//	datachat chat --upload sales.csv
//	datachat chat --upload sales.csv "Which region grew fastest?"
//	datachat exec analysis.py --upload sales.csv
//	datachat models
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
