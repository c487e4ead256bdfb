package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/scribehub/pkg/offlinequeue"
	"github.com/harunnryd/scribehub/pkg/redact"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var pathFlag string
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline write queue",
	}
	queueCmd.PersistentFlags().StringVarP(&pathFlag, "path", "p", "", "Queue file (defaults to offline_queue.path from config)")

	resolve := func() (string, error) {
		if p := strings.TrimSpace(pathFlag); p != "" {
			return p, nil
		}
		cfg, err := ctx.config()
		if err != nil {
			return "", err
		}
		if cfg.OfflineQueue.Path == "" {
			return "", errors.New("no queue path configured")
		}
		return cfg.OfflineQueue.Path, nil
	}

	queueCmd.AddCommand(newQueueListCommand(resolve))
	queueCmd.AddCommand(newQueueRetryCommand(resolve))
	queueCmd.AddCommand(newQueueDiscardCommand(resolve))
	return queueCmd
}

func newQueueListCommand(resolve func() (string, error)) *cobra.Command {
	var failedOnly bool
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			snap, err := offlinequeue.ReadSnapshot(path)
			if err != nil {
				return err
			}
			ops := make([]offlinequeue.Operation, 0, len(snap.Operations))
			for _, op := range snap.Operations {
				if failedOnly && !op.Failed {
					continue
				}
				ops = append(ops, op)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				state := "pending"
				if op.Failed {
					state = "failed"
				}
				rows = append(rows, []string{
					op.ID,
					string(op.Kind),
					op.Table,
					state,
					strconv.Itoa(op.RetryCount),
					op.EnqueuedAt.Local().Format(time.DateTime),
					truncate(redact.Text(op.LastError), 48),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Kind", "Table", "State", "Retries", "Enqueued", "Last Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Show only dead-lettered operations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print operations as JSON")
	return cmd
}

func newQueueRetryCommand(resolve func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Return dead-lettered operations to the replay queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			n, err := offlinequeue.RetryFailedFile(path)
			if err != nil {
				return lockHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %d operation(s)\n", n)
			return nil
		},
	}
}

func newQueueDiscardCommand(resolve func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "discard ID",
		Short: "Drop one queued operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			ok, err := offlinequeue.DiscardFile(path, args[0])
			if err != nil {
				return lockHint(err)
			}
			if !ok {
				return fmt.Errorf("operation %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}
}

func lockHint(err error) error {
	if errors.Is(err, offlinequeue.ErrLocked) {
		return fmt.Errorf("%w (stop the broker before editing the queue)", err)
	}
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
