// cmd/chatsync/tail.go

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/imadgeboyega/kiekky-chatsync/internal/messaging"
)

type tailOptions struct {
	userID         string
	conversationID string
	send           string
	markRead       bool
	older          int
}

func newTailCommand() *cobra.Command {
	opts := tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Open a conversation as a user and print its updates as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return tail(ctx, opts, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id to act as")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "conversation id to open")
	cmd.Flags().StringVar(&opts.send, "send", "", "send this text once the conversation is open")
	cmd.Flags().BoolVar(&opts.markRead, "mark-read", false, "mark the conversation read after opening")
	cmd.Flags().IntVar(&opts.older, "older", 0, "number of older pages to load after opening")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func tail(ctx context.Context, opts tailOptions, out io.Writer) error {
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	coord := messaging.NewChatSessionCoordinator(opts.userID, st.deps(), coordinatorConfig(cfg))
	defer coord.Shutdown()

	frames := make(chan messaging.Update, 256)
	unobserve := coord.Observe(func(u messaging.Update) {
		select {
		case frames <- u:
		default:
		}
	})
	defer unobserve()

	if err := coord.Open(ctx, opts.conversationID); err != nil {
		return errors.Wrapf(err, "open %s", opts.conversationID)
	}
	for i := 0; i < opts.older && coord.HasMoreOlder(); i++ {
		if _, err := coord.LoadOlder(ctx); err != nil {
			return err
		}
	}
	if opts.markRead {
		if err := coord.MarkRead(ctx); err != nil {
			return err
		}
	}
	if opts.send != "" {
		if _, err := coord.SendText(ctx, opts.send, ""); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-frames:
			if err := enc.Encode(u); err != nil {
				return fmt.Errorf("write update: %w", err)
			}
		}
	}
}
