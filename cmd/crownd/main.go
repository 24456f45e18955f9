package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/persistence"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes: 1 for failures, 2 for usage errors, 3 when the request was
// understood but refused by the engine's rules.
const (
	exitFailure = 1
	exitUsage   = 2
	exitRefused = 3
)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&appOptions{})
}

func newRootCmdWith(env *appOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "crownd",
		Short:         "Crown evaluation engine",
		Long:          "crownd picks the best of several agent runs for a task, crowns it and keeps the crown state consistent.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&env.home, "home", "", "crownd home directory (default $CROWN_HOME or ~/.crownd)")

	root.AddCommand(
		serveCmd(env),
		workCmd(env),
		taskCmd(env),
		runCmd(env),
		requestCmd(env),
		retryCmd(env),
		refreshCmd(env),
		overrideCmd(env),
		sweepCmd(env),
		statusCmd(env),
		doctorCmd(env),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crownd:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func exitCode(err error) int {
	var (
		ue       *usageError
		te       *crown.TransitionError
		cooldown *crown.CooldownError
	)
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &te), errors.As(err, &cooldown),
		errors.Is(err, crown.ErrEvaluationInFlight),
		errors.Is(err, crown.ErrDiffsUnrecoverable),
		errors.Is(err, crown.ErrAutoRefreshCap),
		errors.Is(err, crown.ErrPrincipalRequired),
		errors.Is(err, persistence.ErrTaskNotFound),
		errors.Is(err, persistence.ErrRunNotFound):
		return exitRefused
	default:
		return exitFailure
	}
}
