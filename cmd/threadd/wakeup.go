package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flitsinc/go-threads/internal/config"
	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/threads"
)

var wakeupCmd = &cobra.Command{
	Use:   "wakeup",
	Short: "Inspect and re-arm scheduled wakeups",
}

var wakeupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wakeups",
	Args:  cobra.NoArgs,
	RunE:  runWakeupList,
}

var wakeupRearmCmd = &cobra.Command{
	Use:   "rearm <id>",
	Short: "Make a failed or stranded wakeup due again",
	Long: `Clear the claim and outcome of a wakeup so the scheduler picks it up again.

Wakeups currently held by a scheduler within their claim lease are refused.`,
	Args: cobra.ExactArgs(1),
	RunE: runWakeupRearm,
}

func init() {
	wakeupListCmd.Flags().String("thread", "", "only wakeups of this thread")
	wakeupListCmd.Flags().String("status", "", "pending | claimed | woken | failed | cancelled")
	wakeupListCmd.Flags().Int("limit", 100, "maximum number of wakeups")
	wakeupListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	wakeupRearmCmd.Flags().Duration("after", 0, "delay before the wakeup is due")

	wakeupCmd.AddCommand(wakeupListCmd)
	wakeupCmd.AddCommand(wakeupRearmCmd)
}

func withStore(fn func(ctx context.Context, store threads.Store) error) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func runWakeupList(cmd *cobra.Command, _ []string) error {
	threadID, _ := cmd.Flags().GetString("thread")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withStore(func(ctx context.Context, store threads.Store) error {
		items, err := store.ListWakeups(ctx, threads.WakeupFilter{
			ThreadID: threadID,
			Status:   threads.WakeupStatus(status),
			Limit:    limit,
		})
		if err != nil {
			return fmt.Errorf("list wakeups: %w", err)
		}
		return printWakeups(os.Stdout, items, asJSON)
	})
}

func runWakeupRearm(cmd *cobra.Command, args []string) error {
	after, _ := cmd.Flags().GetDuration("after")
	if after < 0 {
		return fmt.Errorf("--after must not be negative")
	}

	return withStore(func(ctx context.Context, store threads.Store) error {
		now := time.Now().UTC()
		w, err := scheduler.Rearm(ctx, store, args[0], now.Add(after), now)
		if err != nil {
			return err
		}
		fmt.Printf("wakeup %s re-armed, due %s\n", w.ID, w.DueAt.Format(time.RFC3339))
		return nil
	})
}

func printWakeups(out io.Writer, items []threads.Wakeup, asJSON bool) error {
	if asJSON {
		if items == nil {
			items = []threads.Wakeup{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTHREAD\tSTATUS\tDUE\tATTEMPTS\tERROR")
	for _, w := range items {
		errText := ""
		if w.Error != nil {
			errText = *w.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			w.ID, w.ThreadID, w.Status(), w.DueAt.Format(time.RFC3339), w.Attempts, errText)
	}
	return tw.Flush()
}
