package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cyclon/internal/events"
)

func newHoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hold <name.cycle glob>",
		Short: "Hold matching task instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Hold(args[0])
		},
	}
}

func newReleaseCommand() *cobra.Command {
	var holdPoint bool
	cmd := &cobra.Command{
		Use:   "release [name.cycle glob]",
		Short: "Release held task instances (or the pool-wide hold point)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if holdPoint {
				return apiClient().ReleaseHoldPoint()
			}
			if len(args) != 1 {
				return fmt.Errorf("a matcher is required unless --hold-point is given")
			}
			return apiClient().Release(args[0])
		},
	}
	cmd.Flags().BoolVar(&holdPoint, "hold-point", false, "release the pool-wide hold point")
	return cmd
}

func newTriggerCommand() *cobra.Command {
	var newFlow bool
	cmd := &cobra.Command{
		Use:   "trigger <name.cycle glob>",
		Short: "Force matching instances to run regardless of prerequisites",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Trigger(args[0], newFlow)
		},
	}
	cmd.Flags().BoolVar(&newFlow, "new-flow", false, "start a new flow through the graph")
	return cmd
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <name.cycle glob>",
		Short: "Kill matching submitted or running instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Kill(args[0])
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name.cycle glob>",
		Short: "Remove matching instances from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Remove(args[0])
		},
	}
}

func newInsertCommand() *cobra.Command {
	var flow string
	cmd := &cobra.Command{
		Use:   "insert <name> <cycle>",
		Short: "Insert an instance the graph would not otherwise produce",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Insert(args[0], args[1], flow)
		},
	}
	cmd.Flags().StringVar(&flow, "flow", "", "flow tag for the new instance")
	return cmd
}

func newPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <name.cycle glob>",
		Short: "Poll the job runner for matching active instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Poll(args[0])
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the scheduler (events continue to be processed)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiClient().Pause()
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused scheduler",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiClient().Resume()
		},
	}
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <workflow.yaml>",
		Short: "Reload workflow definitions under the running scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiClient().Reload(args[0])
		},
	}
}

func newStopCommand() *cobra.Command {
	var now bool
	var after string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			switch {
			case now:
				return apiClient().Stop("now", "")
			case after != "":
				return apiClient().Stop("after", after)
			default:
				return apiClient().Stop("clean", "")
			}
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "kill running jobs and stop immediately")
	cmd.Flags().StringVar(&after, "after", "", "stop once everything at or before this cycle is settled")
	return cmd
}

func newStateCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the scheduler's state summary",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if full {
				tasks, err := apiClient().Tasks()
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			summary, err := apiClient().Summary()
			if err != nil {
				return err
			}
			fmt.Printf("workflow: %s\n", summary.Workflow)
			if summary.Paused {
				fmt.Println("paused: yes")
			}
			if summary.Stalled {
				fmt.Println("stalled: yes")
			}
			statuses := make([]string, 0, len(summary.ByStatus))
			for status := range summary.ByStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				fmt.Printf("  %-16s %d\n", status, summary.ByStatus[status])
			}
			fmt.Printf("pool: %d live, %d deferred\n", summary.Pool, summary.Deferred)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "dump the full task snapshot as JSON")
	return cmd
}

func newBroadcastCommand() *cobra.Command {
	var points, namespaces, settings, keys []string
	cmd := &cobra.Command{
		Use:   "broadcast <put|clear|dump>",
		Short: "Manage runtime setting overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			switch args[0] {
			case "put":
				parsed := make(map[string]string, len(settings))
				for _, setting := range settings {
					key, value, found := strings.Cut(setting, "=")
					if !found {
						return fmt.Errorf("setting %q is not key=value", setting)
					}
					parsed[key] = value
				}
				if len(parsed) == 0 {
					return fmt.Errorf("put needs at least one --set key=value")
				}
				return apiClient().BroadcastPut(points, namespaces, parsed)
			case "clear":
				return apiClient().BroadcastClear(points, namespaces, keys)
			case "dump":
				dump, err := apiClient().BroadcastDump()
				if err != nil {
					return err
				}
				for _, line := range dump {
					fmt.Println(line)
				}
				return nil
			default:
				return fmt.Errorf("unknown broadcast operation %q", args[0])
			}
		},
	}
	cmd.Flags().StringSliceVar(&points, "point", nil, "cycle point matcher (repeatable)")
	cmd.Flags().StringSliceVar(&namespaces, "namespace", nil, "task namespace matcher (repeatable)")
	cmd.Flags().StringSliceVar(&settings, "set", nil, "setting override key=value (repeatable)")
	cmd.Flags().StringSliceVar(&keys, "key", nil, "setting key to clear (repeatable)")
	return cmd
}

// newMessageCommand is what job script wrappers invoke to report
// lifecycle signals back to the scheduler.
func newMessageCommand() *cobra.Command {
	var taskID string
	var submitNum int
	var severity string
	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Send a task message to the scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			return apiClient().Message(events.Message{
				TaskID:    taskID,
				SubmitNum: submitNum,
				Severity:  events.ParseSeverity(severity),
				Text:      args[0],
				EventTime: time.Now().UTC(),
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", os.Getenv("CYCLON_TASK_ID"), "task id (name.cycle)")
	cmd.Flags().IntVar(&submitNum, "submit-num", envInt("CYCLON_SUBMIT_NUM"), "submission number")
	cmd.Flags().StringVar(&severity, "severity", "INFO", "message severity")
	return cmd
}

func envInt(key string) int {
	var n int
	fmt.Sscanf(os.Getenv(key), "%d", &n)
	return n
}
