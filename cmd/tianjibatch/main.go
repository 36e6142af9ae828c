package main

import (
	"context"
	"fmt"
	"os"

	"github.com/praxisllmlab/tianjibatch/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
