package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"engage/offline/internal/syncqueue"
)

var (
	jsonOutput bool
	discardID  string
)

// queueControl is the queue surface the one-shot commands need. A running
// agent's gateway serves it; otherwise the store is opened directly.
type queueControl interface {
	Status(ctx context.Context) (syncqueue.Status, error)
	Entries(ctx context.Context) ([]syncqueue.EntryView, error)
	Clear(ctx context.Context) (int, error)
	Discard(ctx context.Context, id string) error
	ForceSync(ctx context.Context) (syncqueue.DrainResult, error)
}

// localQueue drives the queue of a stopped agent.
type localQueue struct {
	*syncqueue.Service
	agent *agent
}

func (q localQueue) Status(ctx context.Context) (syncqueue.Status, error) {
	q.agent.probe(ctx)
	return q.Service.Status(ctx)
}

func (q localQueue) ForceSync(ctx context.Context) (syncqueue.DrainResult, error) {
	if !q.agent.probe(ctx) {
		return syncqueue.DrainResult{}, fmt.Errorf("remote %s is unreachable", q.agent.cfg.Remote.BaseURL)
	}
	return q.Service.ForceSync(ctx)
}

func openQueue(ctx context.Context) (queueControl, func(), error) {
	if g := dialGateway(ctx, cfg); g != nil {
		return g, func() {}, nil
	}
	a, err := openAgent(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return localQueue{Service: a.queue, agent: a}, func() { _ = a.Close() }, nil
}

const oneShotNote = `
While "engage-sync serve" is running the command goes through its local
gateway at addr, sending control_token when set. Otherwise it opens the
store directly.`

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the local sync queue",
	Long:  "Summarise the local sync queue.\n" + oneShotNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, done, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		status, err := q.Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), status)
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or edit the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	Long:  "List queued writes in replay order.\n" + oneShotNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, done, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		entries, err := q.Entries(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop queued writes; their local changes are lost",
	Long: `Without --id every queued write is dropped. With --id only that entry
is dropped. Dropped writes never reach the platform.
` + oneShotNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, done, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		if discardID != "" {
			if err := q.Discard(cmd.Context(), discardID); err != nil {
				return fmt.Errorf("discard %s: %w", discardID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", discardID)
			return nil
		}
		n, err := q.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d entries\n", n)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the queue once now, ignoring backoff",
	Long:  "Replay the queue once now, ignoring backoff.\n" + oneShotNote,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, done, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		result, err := q.ForceSync(cmd.Context())
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
				return perr
			}
		} else if result.Skipped != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "drain skipped: %s\n", result.Skipped)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, failed %d, held %d\n",
				result.Attempted, result.Succeeded, result.Failed, result.Held)
		}
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d entries failed to replay", result.Failed)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, queueListCmd, drainCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	}
	queueClearCmd.Flags().StringVar(&discardID, "id", "", "drop only this entry")
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func printStatus(w io.Writer, status syncqueue.Status) {
	state := "offline"
	if status.Online {
		state = "online"
	}
	fmt.Fprintf(w, "remote:   %s\n", state)
	fmt.Fprintf(w, "pending:  %d\n", status.Pending)
	fmt.Fprintf(w, "failing:  %d\n", len(status.Failing))
	if len(status.Failing) > 0 {
		printEntries(w, status.Failing)
	}
}

func printEntries(w io.Writer, entries []syncqueue.EntryView) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tTYPE\tENTITY\tACTION\tRETRIES\tNEXT\tERROR")
	for _, e := range entries {
		next := "-"
		if e.NextAttempt != nil {
			next = e.NextAttempt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Seq, e.ID, e.EntityType, e.EntityID, e.Action, e.RetryCount, next, e.Error)
	}
	_ = tw.Flush()
}
