package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/me/tasknode/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Show the tasks registered on the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := client.Overview(cmd.Context())
			if err != nil {
				return fmt.Errorf("overview: %w", err)
			}
			printOverview(cmd.OutOrStdout(), ov)
			return nil
		},
	}
}

func printOverview(w io.Writer, ov model.WorkerOverview) {
	fmt.Fprintf(w, "Worker %s (%s), up %s\n", ov.WorkerID, ov.Name, ov.Uptime)
	fmt.Fprintf(w, "CPUs: %d free of %d\n", ov.CPUsFree, ov.CPUsTotal)
	fmt.Fprintf(w, "Objects: %d\n", ov.Objects)
	if len(ov.Tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}

	fmt.Fprintf(w, "\n%-10s  %-8s  %-8s  %-7s  %-9s  %s\n", "ID", "INSTANCE", "STATE", "WAITING", "PRIORITY", "CPUS")
	fmt.Fprintf(w, "%-10s  %-8s  %-8s  %-7s  %-9s  %s\n", "--", "--------", "-----", "-------", "--------", "----")
	for _, t := range ov.Tasks {
		cpus := make([]string, len(t.CPUs))
		for i, c := range t.CPUs {
			cpus[i] = fmt.Sprint(c)
		}
		fmt.Fprintf(w, "%-10d  %-8d  %-8s  %-7d  %-9s  %s\n",
			t.ID, t.InstanceID, t.State, t.Waiting,
			fmt.Sprintf("%d/%d", t.Priority.User, t.Priority.Scheduler),
			strings.Join(cpus, ","),
		)
	}
}

func newDispatchCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "dispatch -f <task.yaml>",
		Short: "Send a task described in YAML to the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readTaskFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			if err := client.Dispatch(cmd.Context(), msg); err != nil {
				return fmt.Errorf("dispatch task %d: %w", msg.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d dispatched (instance %d, %d dependencies)\n",
				msg.ID, msg.InstanceID, len(msg.Dependencies))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Task YAML file (- for stdin)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// readTaskFile decodes a task description. Unknown keys are rejected.
func readTaskFile(path string, stdin io.Reader) (model.ComputeTaskMsg, error) {
	var msg model.ComputeTaskMsg

	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return msg, fmt.Errorf("read task: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&msg); err != nil {
		return msg, fmt.Errorf("parse task: %w", err)
	}
	return msg, nil
}

func newResolveCmd() *cobra.Command {
	var size uint64

	cmd := &cobra.Command{
		Use:   "resolve <object_id>",
		Short: "Report a data object as available on the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			ready, err := client.Resolve(cmd.Context(), id, size)
			if err != nil {
				return fmt.Errorf("resolve object %d: %w", id, err)
			}
			out := cmd.OutOrStdout()
			if len(ready) == 0 {
				fmt.Fprintf(out, "Object %d available, no tasks became ready\n", id)
				return nil
			}
			fmt.Fprintf(out, "Object %d available, ready: %v\n", id, ready)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&size, "size", 0, "Object size in bytes")
	return cmd
}

func newRemoveObjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-object <object_id>",
		Short: "Forget a data object whose data was deleted from the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client.RemoveObject(cmd.Context(), id); err != nil {
				return fmt.Errorf("remove object %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Object %d removed\n", id)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a task on the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client.Cancel(cmd.Context(), id); err != nil {
				return fmt.Errorf("cancel task %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d cancelled\n", id)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var q model.RunQuery
	var taskID uint64

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished task runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q.TaskID = model.TaskID(taskID)
			runs, err := client.History(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&taskID, "task", 0, "Only show runs of this task")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of runs (default 50)")
	return cmd
}

func printHistory(w io.Writer, runs []model.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-10s  %-8s  %-12s  %-4s  %-10s  %s\n", "TASK", "INSTANCE", "OUTCOME", "EXIT", "DURATION", "FINISHED")
	fmt.Fprintf(w, "%-10s  %-8s  %-12s  %-4s  %-10s  %s\n", "----", "--------", "-------", "----", "--------", "--------")
	for _, r := range runs {
		fmt.Fprintf(w, "%-10d  %-8d  %-12s  %-4d  %-10s  %s\n",
			r.TaskID, r.InstanceID, r.Outcome, r.ExitCode,
			r.Duration.Round(time.Millisecond), r.FinishedAt.Local().Format(time.DateTime))
	}
}
