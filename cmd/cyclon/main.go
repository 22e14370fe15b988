package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cyclon/internal/client"
	cerrors "cyclon/internal/errors"
)

// Exit codes of the client commands.
const (
	exitOK          = 0
	exitInvalid     = 1
	exitUnreachable = 2
)

var serverURL string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cyclon",
		Short:         "Cycling workflow scheduler",
		Long:          "cyclon schedules graphs of interdependent tasks over repeating cycle points,\nsubmitting their jobs to pluggable batch systems and tracking them to completion.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		envOr("CYCLON_SERVER_URL", "http://localhost:8433"),
		"base URL of the running scheduler")

	root.AddCommand(newPlayCommand())
	root.AddCommand(
		newHoldCommand(),
		newReleaseCommand(),
		newTriggerCommand(),
		newKillCommand(),
		newRemoveCommand(),
		newInsertCommand(),
		newPollCommand(),
		newPauseCommand(),
		newResumeCommand(),
		newReloadCommand(),
		newStopCommand(),
		newStateCommand(),
		newBroadcastCommand(),
		newMessageCommand(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func apiClient() *client.Client {
	return client.New(serverURL)
}

// exitCodeFor maps errors to the CLI contract: 1 for invalid input, 2
// for an unreachable scheduler.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var unreachable client.ErrUnreachable
	if errors.As(err, &unreachable) {
		return exitUnreachable
	}
	if cerrors.KindOf(err) == cerrors.KindInput {
		return exitInvalid
	}
	return exitInvalid
}
