package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmesh/internal/config"
	"github.com/marcus/taskmesh/internal/router"
	"github.com/marcus/taskmesh/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
	Long:  `Create tasks, list the mesh's tasks, and inspect or cancel individual ones.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <type> [key=value ...]",
	Short: "Create a task",
	Long: `Create a task of the given type. Parameters are key=value pairs,
validated against the type's declared shape. The task is routed to the
least loaded healthy machine; use --json to get the id for scripting.

Example:
  taskmesh task create echo msg="hello mesh"
  taskmesh task create run_command command="uname -a"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskCreate,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Long:  `Show a task's full record: status, owner, attempts, and result.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the mesh",
	Long: `List all tasks in the shared store, newest first.

Use --owner to filter by machine, --status to filter by status.
Use --json to output as JSON for scripting.`,
	RunE: runTaskList,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending task",
	Long: `Request cancellation of a task. Only tasks that have not started
can be cancelled; a task already in progress runs to completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskCancel,
}

func init() {
	taskCreateCmd.Flags().Bool("json", false, "Output the created task as JSON")
	taskListCmd.Flags().String("owner", "", "Filter by owner machine")
	taskListCmd.Flags().String("status", "", "Filter by status (pending, in_progress, completed, failed, cancelled)")
	taskListCmd.Flags().Bool("json", false, "Output as JSON")
	taskGetCmd.Flags().Bool("json", false, "Output as JSON")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}

	r := router.New(reg, s, nil, router.Config{
		Self:          cfg.Machine.Name,
		Peers:         cfg.Peers,
		HealthyWindow: 3 * cfg.Store.HeartbeatInterval,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	id, err := r.CreateTask(ctx, args[0], payload)
	if err != nil {
		return err
	}

	created, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reading back task: %w", err)
	}

	if asJSON {
		return printJSON(created)
	}
	fmt.Printf("created %s\n", id)
	fmt.Printf("type: %s\n", created.Type)
	fmt.Printf("owner: %s\n", created.Owner)
	return nil
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	t, err := s.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(t)
	}

	fmt.Printf("ID: %s\n", t.ID)
	fmt.Printf("Type: %s\n", t.Type)
	fmt.Printf("Status: %s\n", t.Status)
	fmt.Printf("Owner: %s\n", t.Owner)
	fmt.Printf("Attempt: %d\n", t.Attempt)
	fmt.Printf("Created: %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", t.UpdatedAt.Local().Format(time.RFC3339))
	if len(t.Payload) > 0 {
		data, _ := json.Marshal(t.Payload)
		fmt.Printf("Payload: %s\n", data)
	}
	if t.Result != nil {
		if t.Result.Error != "" {
			fmt.Printf("Error: %s\n", t.Result.Error)
		} else {
			fmt.Printf("Output: %s\n", t.Result.Output)
		}
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ownerFilter, _ := cmd.Flags().GetString("owner")
	statusFilter, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	all, err := s.List(ctx)
	if err != nil {
		return err
	}

	var tasks []*task.Task
	for _, t := range all {
		if ownerFilter != "" && t.Owner != ownerFilter {
			continue
		}
		if statusFilter != "" && string(t.Status) != statusFilter {
			continue
		}
		tasks = append(tasks, t)
	}

	if asJSON {
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tOWNER\tATTEMPT\tUPDATED")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(t.ID),
			t.Type,
			t.Status,
			t.Owner,
			t.Attempt,
			t.UpdatedAt.Local().Format("15:04:05"),
		)
	}
	return w.Flush()
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	ok, err := s.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("task already started or finished; not cancelled")
		return nil
	}
	fmt.Println("cancelled")
	return nil
}

// shortID trims a UUID to its first segment for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
