package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fieldglass/vagent/internal/cmd"
	"github.com/fieldglass/vagent/internal/gateway"
)

// Exit codes: 0 normal, 1 config error, 2 port in use, 3 another instance
// running.
func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "vagent: %v\n", err)
	switch {
	case errors.Is(err, gateway.ErrPortInUse):
		os.Exit(2)
	case errors.Is(err, gateway.ErrAlreadyRunning):
		os.Exit(3)
	default:
		os.Exit(1)
	}
}
