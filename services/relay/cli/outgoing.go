package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/services/relay"
)

var errNoStore = errors.New("outgoing store requires postgres_dsn")

func newOutgoingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outgoing",
		Short: "Inspect and manage the outgoing message queue",
	}
	cmd.AddCommand(newOutgoingEnqueueCmd(), newOutgoingListCmd(), newOutgoingRetryCmd(), newOutgoingProcessCmd())
	return cmd
}

func newOutgoingEnqueueCmd() *cobra.Command {
	var sessionID, content string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a message for the outgoing worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" || content == "" {
				return errors.New("--session and --content are required")
			}
			return withStore(func(ctx context.Context, app *relay.App) error {
				msg, err := app.Repo.Enqueue(ctx, sessionID, content)
				if err != nil {
					return err
				}
				return printJSON(cmd, msg)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id the message belongs to")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	return cmd
}

func newOutgoingListCmd() *cobra.Command {
	var (
		status   string
		query    string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outgoing messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.OutgoingFilter{Query: query, Page: page, PageSize: pageSize}
			if status != "" {
				s, err := domain.ParseOutgoingStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			return withStore(func(ctx context.Context, app *relay.App) error {
				items, total, err := app.Repo.List(ctx, filter.Normalize())
				if err != nil {
					return err
				}
				if items == nil {
					items = []*domain.OutgoingMessage{}
				}
				return printJSON(cmd, map[string]any{"items": items, "total": total})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "queued | sent | failed")
	cmd.Flags().StringVar(&query, "q", "", "substring of session id or content")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "rows per page")
	return cmd
}

func newOutgoingRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a sent or failed message back to queued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withStore(func(ctx context.Context, app *relay.App) error {
				if err := app.Repo.Requeue(ctx, id); err != nil {
					return err
				}
				app.Recorder.Emit(ctx, events.OutgoingRetry, map[string]any{"id": id})
				fmt.Fprintf(cmd.OutOrStdout(), "outgoing message %d requeued\n", id)
				return nil
			})
		},
	}
}

func newOutgoingProcessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one outgoing worker batch and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(ctx context.Context, app *relay.App) error {
				res, err := app.Worker.ProcessBatch(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "rows to process; 0 uses outgoing_batch_size")
	return cmd
}

func withStore(fn func(ctx context.Context, app *relay.App) error) error {
	return withApp(func(ctx context.Context, app *relay.App) error {
		if app.Repo == nil {
			return errNoStore
		}
		return fn(ctx, app)
	})
}
