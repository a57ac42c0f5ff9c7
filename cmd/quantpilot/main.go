package main

import (
	"context"
	"fmt"
	"os"

	"quantpilot/internal/cli"
)

func main() {
	root := cli.BuildRoot(cli.DefaultOptions())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
