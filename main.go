package main

import (
	"context"
	"os"

	"github.com/pgillich/textrpc/cmd"
	"github.com/pgillich/textrpc/internal"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	err := cmd.Execute(ctx, os.Args[1:], internal.RunServer)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
