package main

import (
	"errors"
	"os"

	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// Exit codes.
const (
	exitFailure = 1
	// exitAuth means dispatch stopped on a fatal authentication error and
	// needs operator attention.
	exitAuth = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}

	os.Exit(0)
}

func exitCodeFor(err error) int {
	if errors.Is(err, session.ErrAuth) {
		return exitAuth
	}

	return exitFailure
}
