package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TITLE",
	Short: "Submit a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		description, _ := cmd.Flags().GetString("description")
		category, _ := cmd.Flags().GetString("category")
		priority, _ := cmd.Flags().GetString("priority")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")
		mode, _ := cmd.Flags().GetString("mode")
		sessionID, _ := cmd.Flags().GetString("session")
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")

		if id == "" {
			id = "task-" + uuid.New().String()[:8]
		}
		task := &types.Task{
			ID:           id,
			Title:        args[0],
			Description:  description,
			Category:     types.TaskCategory(category),
			Priority:     types.TaskPriority(priority),
			Dependencies: deps,
		}
		if mode != "" || sessionID != "" || timeoutSeconds > 0 {
			task.Context = &types.TaskContext{
				ExecutionMode: types.ExecutionMode(mode),
				SessionID:     sessionID,
				Timeout:       time.Duration(timeoutSeconds) * time.Second,
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient(cmd).SubmitTask(ctx, task); err != nil {
			return err
		}
		fmt.Printf("Task %s submitted\n", task.ID)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show task status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		status, err := apiClient(cmd).TaskStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Task:     %v\n", status["taskId"])
		fmt.Printf("Status:   %v\n", status["status"])
		fmt.Printf("Progress: %.0f%%\n", toFloat(status["progress"])*100)
		if step, ok := status["currentStep"]; ok {
			fmt.Printf("Step:     %v\n", step)
		}
		return nil
	},
}

var taskResultCmd = &cobra.Command{
	Use:   "result ID",
	Short: "Show task result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := apiClient(cmd).TaskResult(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", result.Status)
		if result.Error != "" {
			fmt.Printf("Error:  %s (%s)\n", result.Error, result.ErrorKind)
		}
		if result.Output != "" {
			fmt.Printf("\n%s\n", result.Output)
		}
		if len(result.Artifacts) > 0 {
			fmt.Printf("\nArtifacts:\n")
			for _, a := range result.Artifacts {
				fmt.Printf("  %s (%d bytes)\n", a.Path, a.Size)
			}
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the aggregated task listing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		summary, err := apiClient(cmd).Tasks(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Total: %d  Queued: %d  Completed: %d  Failed: %d\n",
			summary.Total, summary.Queued, summary.Completed, summary.Failed)
		if len(summary.Running) > 0 {
			fmt.Printf("\n%-20s %-10s %-8s\n", "ID", "STATUS", "PROGRESS")
			for _, p := range summary.Running {
				fmt.Printf("%-20s %-10s %.0f%%\n", p.TaskID, p.Status, p.Progress*100)
			}
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient(cmd).CancelTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s cancelled\n", args[0])
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		workers, err := apiClient(cmd).Workers(ctx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		fmt.Printf("%-20s %-30s %-8s %-6s\n", "ID", "ENDPOINT", "STATUS", "TASKS")
		for _, w := range workers {
			fmt.Printf("%-20s %-30s %-8s %-6d\n", w.ID, w.Endpoint, w.Status, len(w.CurrentTasks))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show driver stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := apiClient(cmd).Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Driver:     %s (up %s)\n", stats.DriverID, stats.Uptime.Round(time.Second))
		fmt.Printf("Tasks:      %d total, %d running, %d queued\n", stats.TotalTasks, stats.RunningTasks, stats.QueuedTasks)
		fmt.Printf("Terminal:   %d completed, %d failed, %d cancelled\n", stats.CompletedTasks, stats.FailedTasks, stats.CancelledTasks)
		fmt.Printf("Workers:    %d registered, %d healthy\n", stats.TotalWorkers, stats.HealthyWorkers)
		fmt.Printf("Sessions:   %d active, %d expired\n", stats.ActiveSessions, stats.ExpiredSessions)
		if stats.SuccessRate > 0 {
			fmt.Printf("Success:    %.1f%%\n", stats.SuccessRate*100)
		}
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage container sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a container session",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoURL, _ := cmd.Flags().GetString("repo")
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")

		opts := &types.SessionOptions{RepoURL: repoURL}
		if timeoutSeconds > 0 {
			opts.Timeout = time.Duration(timeoutSeconds) * time.Second
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		session, err := apiClient(cmd).CreateSession(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s created on worker %s (expires %s)\n",
			session.ID, session.WorkerID, session.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end ID",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient(cmd).EndSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s ended\n", args[0])
		return nil
	},
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskResultCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionEndCmd)

	taskSubmitCmd.Flags().String("id", "", "Task id (generated when empty)")
	taskSubmitCmd.Flags().String("description", "", "Task description")
	taskSubmitCmd.Flags().String("category", "coding", "Task category")
	taskSubmitCmd.Flags().String("priority", "normal", "Task priority")
	taskSubmitCmd.Flags().StringSlice("depends-on", nil, "Dependency task ids")
	taskSubmitCmd.Flags().String("mode", "", "Execution mode (process_pool|container_agentic)")
	taskSubmitCmd.Flags().String("session", "", "Execute inside an existing session")
	taskSubmitCmd.Flags().Int("timeout", 0, "Task timeout in seconds")

	sessionCreateCmd.Flags().String("repo", "", "Repository URL cloned into the session workspace")
	sessionCreateCmd.Flags().Int("timeout", 0, "Session lifetime in seconds")
}
