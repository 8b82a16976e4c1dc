package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/session"
)

var (
	refreshFlag bool
	replyToFlag string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		st, err := c.Status(ctx)
		if err != nil {
			if pid, held := lock.Holder(session.Dir(sessionName())); held {
				return fmt.Errorf("daemon (pid %d) is not answering: %w", pid, err)
			}
			return fmt.Errorf("daemon not running for session %q", sessionName())
		}
		if jsonOutput {
			return outputJSON(st)
		}
		fmt.Printf("Session:       %s\n", st.Session)
		fmt.Printf("User:          %s %s\n", st.UserID, st.DisplayName)
		fmt.Printf("Realtime:      %s", st.Feed.State)
		if st.Feed.Reason != "" {
			fmt.Printf(" (%s)", st.Feed.Reason)
		}
		fmt.Println()
		fmt.Printf("Conversations: %d (%d unread)\n", st.Conversations, st.Unread)
		fmt.Printf("Unsent:        %d\n", st.Pending)
		fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		convs, err := c.Conversations(ctx, refreshFlag)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, conv := range convs {
			last := ""
			if conv.LastMessage != nil {
				last = strings.Join(strings.Fields(conv.LastMessage.Content), " ")
			}
			fmt.Printf("%-38s %-6s %3d  %s\n", conv.ID, conv.Kind, conv.UnreadCount, last)
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Load a conversation's messages and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		msgs, err := c.Open(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		msg, err := c.Send(ctx, outbox.Draft{
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
			ReplyToID:      replyToFlag,
		})
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("nothing to send")
		}
		if jsonOutput {
			return outputJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Find or create the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		id, err := c.Start(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"conversation_id": id})
		}
		fmt.Println(id)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done := dial(cmd)
		defer done()
		return c.MarkRead(ctx, args[0])
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <conversation-id>",
	Short: "Leave a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done := dial(cmd)
		defer done()
		return c.Leave(ctx, args[0])
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages that were not confirmed by the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		intents, err := c.Pending(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(intents)
		}
		if len(intents) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		for _, in := range intents {
			fmt.Printf("%s  %-11s attempts=%d  %s  %q\n",
				in.LocalID, in.State, in.Attempts, in.ConversationID, in.Content)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry every unconfirmed message once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		res, err := c.RetryPending(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		fmt.Printf("Succeeded: %d\nFailed:    %d\n", res.Succeeded, res.Failed)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload conversations from the server and re-subscribe to the feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, done := dial(cmd)
		defer done()

		convs, err := c.Sync(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]int{"conversations": len(convs)})
		}
		fmt.Printf("Synced %d conversations\n", len(convs))
		return nil
	},
}

func printMessage(m model.Message) {
	sender := m.SenderID
	if m.Sender != nil && m.Sender.FullName != "" {
		sender = m.Sender.FullName
	}
	flag := ""
	if m.Optimistic {
		flag = " (sending)"
	}
	fmt.Printf("[%s] %s%s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, flag, m.Content)
}

func init() {
	conversationsCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "reload from the server first")
	sendCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "id of the message being answered")

	rootCmd.AddCommand(statusCmd, healthCmd, conversationsCmd, openCmd, sendCmd, startCmd, readCmd, leaveCmd, pendingCmd, retryCmd, syncCmd)
}
