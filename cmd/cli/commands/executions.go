package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/record-automation/internal/models"
)

var (
	execRule    string
	execStatus  string
	execSubject string
	execLimit   int
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec", "execution"},
	Short:   "Inspect and control rule executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	Long: `List executions, newest first.

Examples:
  automation executions list
  automation executions list --status failed
  automation executions list --rule <rule-id> --subject rec-42`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}

		query := url.Values{"limit": {strconv.Itoa(execLimit)}}
		if execRule != "" {
			query.Set("rule_id", execRule)
		}
		if execStatus != "" {
			query.Set("status", execStatus)
		}
		if execSubject != "" {
			query.Set("subject_id", execSubject)
		}

		result, err := client.ListExecutions(query)
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}
		if outputJSON {
			return printJSON(result)
		}
		printExecutionList(result)
		return nil
	},
}

var executionsGetCmd = &cobra.Command{
	Use:   "get [execution-id]",
	Short: "Show an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		exec, err := client.GetExecution(args[0])
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		if outputJSON {
			return printJSON(exec)
		}
		printExecutionDetails(exec)
		return nil
	},
}

var executionsLogsCmd = &cobra.Command{
	Use:   "logs [execution-id]",
	Short: "Show the step log of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		exec, err := client.GetExecution(args[0])
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		logs, err := client.GetExecutionLogs(args[0])
		if err != nil {
			return fmt.Errorf("failed to get execution logs: %w", err)
		}
		if outputJSON {
			return printJSON(logs)
		}
		printExecutionDetails(exec)
		printLogEntries(logs.Entries)
		return nil
	},
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel a pending, running or waiting execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		exec, err := client.CancelExecution(args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}
		if outputJSON {
			return printJSON(exec)
		}
		fmt.Printf("🛑 Execution %s is %s\n", exec.ID, statusLabel(exec.Status))
		return nil
	},
}

var executionsRetryCmd = &cobra.Command{
	Use:   "retry [execution-id]",
	Short: "Retry a failed execution from its failed step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		accepted, err := client.RetryExecution(args[0])
		if err != nil {
			return fmt.Errorf("failed to retry execution: %w", err)
		}
		if outputJSON {
			return printJSON(accepted)
		}
		fmt.Printf("🔄 Execution %s requeued\n", accepted.ExecutionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd, executionsGetCmd, executionsLogsCmd, executionsCancelCmd, executionsRetryCmd)

	executionsListCmd.Flags().StringVar(&execRule, "rule", "", "Filter by rule ID")
	executionsListCmd.Flags().StringVar(&execStatus, "status", "", "Filter by status (pending, running, completed, failed, skipped, cancelled)")
	executionsListCmd.Flags().StringVar(&execSubject, "subject", "", "Filter by subject record ID")
	executionsListCmd.Flags().IntVar(&execLimit, "limit", 20, "Number of executions to show")
}

func printExecutionList(result *models.ExecutionListResponse) {
	if len(result.Executions) == 0 {
		fmt.Println("📭 No executions found")
		return
	}

	fmt.Printf("📋 Showing %d of %d execution(s):\n\n", len(result.Executions), result.Total)
	fmt.Printf("%-36s  %-36s  %-14s  %-12s  %s\n", "ID", "RULE", "STATUS", "SUBJECT", "CREATED")
	for _, e := range result.Executions {
		fmt.Printf("%-36s  %-36s  %-14s  %-12s  %s\n",
			e.ID, e.RuleID, statusLabel(e.Status), truncate(deref(e.SubjectID), 12), e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println("\n📖 View details:")
	fmt.Println("  automation executions logs <execution-id>")
}

func printExecutionDetails(exec *models.Execution) {
	fmt.Println("📊 Execution Details")
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Printf("ID:           %s\n", exec.ID)
	fmt.Printf("Rule:         %s (v%d)\n", exec.RuleID, exec.RuleVersion)
	fmt.Printf("Trigger:      %s\n", exec.TriggerType)
	if exec.SubjectID != nil {
		fmt.Printf("Subject:      %s\n", *exec.SubjectID)
	}
	fmt.Printf("Status:       %s\n", statusLabel(exec.Status))
	fmt.Printf("Step:         %d\n", exec.CurrentStep)
	fmt.Printf("Retries:      %d/%d\n", exec.RetryCount, exec.MaxRetries)
	if exec.StartedAt != nil {
		fmt.Printf("Started:      %s\n", exec.StartedAt.Format("2006-01-02 15:04:05"))
		if exec.CompletedAt != nil {
			fmt.Printf("Completed:    %s\n", exec.CompletedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Duration:     %s\n", exec.CompletedAt.Sub(*exec.StartedAt).Round(time.Millisecond))
		}
	}
	if exec.ResumeAt != nil {
		fmt.Printf("Resumes at:   %s\n", exec.ResumeAt.Format("2006-01-02 15:04:05"))
	}
	if exec.NextRetryAt != nil {
		fmt.Printf("Next retry:   %s\n", exec.NextRetryAt.Format("2006-01-02 15:04:05"))
	}
	if exec.ErrorMessage != nil && *exec.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", *exec.ErrorMessage)
	}
}

func printLogEntries(entries []*models.ExecutionLogEntry) {
	fmt.Println("\n📝 Steps:")
	fmt.Println("───────────────────────────────────────────────────────────")
	if len(entries) == 0 {
		fmt.Println("No steps recorded yet")
		return
	}
	for _, e := range entries {
		fmt.Printf("#%d  attempt %d  %-20s %-8s %6dms", e.StepIndex, e.Attempt, e.ActionType, e.Status, e.DurationMs)
		if e.ErrorMessage != nil {
			fmt.Printf("  %s", *e.ErrorMessage)
		}
		fmt.Println()
	}
}

func statusLabel(status models.ExecutionStatus) string {
	switch status {
	case models.ExecutionStatusPending:
		return "⏳ Pending"
	case models.ExecutionStatusRunning:
		return "🏃 Running"
	case models.ExecutionStatusCompleted:
		return "✅ Completed"
	case models.ExecutionStatusFailed:
		return "❌ Failed"
	case models.ExecutionStatusSkipped:
		return "⏭ Skipped"
	case models.ExecutionStatusCancelled:
		return "🛑 Cancelled"
	default:
		return string(status)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
