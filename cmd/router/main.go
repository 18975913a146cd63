package main

import (
	"fmt"
	"os"

	"github.com/amankumarsingh77/comfyui-router/cmd/router/commands"
	"github.com/amankumarsingh77/comfyui-router/internal/worker"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "router:", err)
		os.Exit(worker.ExitCode(err))
	}
}
