package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/sandboxd/pkg/config"
	"github.com/cuemby/sandboxd/pkg/queue"
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Inspect and retry instructions that exhausted their retry budget",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered instructions for a container",
	RunE:  runDeadLettersList,
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return a dead-lettered instruction to the waiting queue with attempts reset",
	RunE:  runDeadLettersRetry,
}

func init() {
	deadLettersListCmd.Flags().String("container", "", "Container ID to inspect (required)")
	deadLettersListCmd.Flags().Int("limit", 50, "Maximum number of records to show, newest first")
	_ = deadLettersListCmd.MarkFlagRequired("container")

	deadLettersRetryCmd.Flags().String("job", "", "Job ID to retry (required)")
	_ = deadLettersRetryCmd.MarkFlagRequired("job")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRetryCmd)
}

func openQueueFromConfig(cmd *cobra.Command) (queue.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newQueueStore(cfg.Queue)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	containerID, _ := cmd.Flags().GetString("container")
	limit, _ := cmd.Flags().GetInt("limit")

	q, err := openQueueFromConfig(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	dls, err := q.DeadLetters(context.Background(), containerID, limit)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	if len(dls) == 0 {
		fmt.Println("no dead-lettered instructions")
		return nil
	}
	for _, dl := range dls {
		fmt.Printf("%s\tattempts=%d\treason=%q\trecorded_at=%s\n",
			dl.Job.ID, dl.Job.AttemptsMade, dl.Reason, dl.RecordedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func runDeadLettersRetry(cmd *cobra.Command, args []string) error {
	jobID, _ := cmd.Flags().GetString("job")

	q, err := openQueueFromConfig(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := q.Retry(context.Background(), jobID); err != nil {
		return fmt.Errorf("failed to retry job %s: %w", jobID, err)
	}
	fmt.Printf("job %s returned to waiting\n", jobID)
	return nil
}
