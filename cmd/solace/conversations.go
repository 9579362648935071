package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	solace "github.com/solace-health/solace-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// conversations
	conversationsUnread bool

	// messages
	messagesLimit  int
	messagesBefore string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", solace.DefaultPageSize, "number of messages")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "only messages older than this message id")

	rootCmd.AddCommand(conversationsCmd, startCmd, messagesCmd, sendCmd, readCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		convs, err := newClient(cfg).ListConversations(ctx)
		if err != nil {
			return apiError(err)
		}
		solace.SortConversations(convs)
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			printConversation(c, cfg.Auth.UserID)
		}
		return nil
	},
}

func printConversation(c solace.Conversation, selfID string) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	fmt.Printf("%s  %s%s\n", c.ID, c.Counterpart(selfID).DisplayName(), unread)
	if c.LastMessage != nil {
		fmt.Printf("    %s  %s\n", formatTime(c.LastMessage.CreatedAt), truncate(c.LastMessage.Content, 60))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <counterpart-id> [message]",
	Short: "Start (or reopen) a conversation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		initial := ""
		if len(args) == 2 {
			initial = args[1]
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		conv, err := newClient(cfg).StartConversation(ctx, args[0], initial)
		if err != nil {
			return apiError(err)
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.Counterpart(cfg.Auth.UserID).DisplayName())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		page, err := newClient(cfg).ListMessages(ctx, args[0], messagesBefore, messagesLimit)
		if err != nil {
			return apiError(err)
		}
		msgs := page.Messages
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(os.Stdout, m, cfg.Auth.UserID)
		}
		if page.Fetched == messagesLimit {
			fmt.Printf("\nOlder messages: solace messages %s --before %s\n", args[0], msgs[0].ID)
		}
		return nil
	},
}

func printMessage(w io.Writer, m solace.Message, selfID string) {
	who := "them"
	if m.SenderID == selfID {
		who = "you"
	} else if m.Sender != nil {
		who = m.Sender.DisplayName()
	}
	status := ""
	switch {
	case m.Failed():
		status = " [failed]"
	case m.Pending():
		status = " [sending]"
	case m.SenderID == selfID && m.IsRead:
		status = " [read]"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", formatTime(m.CreatedAt), who, m.Content, status)
}

// ============================================================================
// send / read
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		content := strings.TrimSpace(strings.Join(args[1:], " "))
		if content == "" {
			return solace.ErrEmptyContent
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		msg, err := newClient(cfg).SendMessage(ctx, args[0], content, "")
		if err != nil {
			return apiError(err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message %s sent to conversation %s\n", msg.ID, msg.ConversationID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := newClient(cfg).MarkRead(ctx, args[0]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Conversation %s marked as read\n", args[0])
		return nil
	},
}
