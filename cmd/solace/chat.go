package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	solace "github.com/solace-health/solace-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long: `Open a conversation with a live connection. Type a line to send it.

Commands:
  /older          load older messages
  /retry <id>     re-send a failed message
  /quit           leave the chat`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := authedConfig()
		if err != nil {
			return err
		}
		opts, err := sessionOptions(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		client := newClient(cfg)
		session, err := solace.NewSession(cfg.Self(), client, newRealtime(client, true), opts...)
		if err != nil {
			return err
		}
		defer session.Close()

		// done is closed before the session, so late events never block.
		done := make(chan struct{})
		defer close(done)

		updates := make(chan chatUpdate, 256)
		forward := func(event string, payload any) {
			select {
			case updates <- chatUpdate{event: event, payload: payload}:
			case <-ctx.Done():
			case <-done:
			}
		}
		for _, event := range []string{
			solace.EventMessagesChanged, solace.EventTyping, solace.EventWarning,
			solace.EventSendFailed, solace.EventConnection, solace.EventPresence,
		} {
			session.On(event, forward)
		}

		session.Start(ctx)
		conversationID := args[0]
		if err := session.SelectConversation(ctx, conversationID); err != nil {
			return apiError(err)
		}

		view := newChatView(os.Stdout, session.Self().ID)
		if conv, ok := session.Conversation(conversationID); ok {
			view.counterpart = conv.Counterpart(session.Self().ID)
		}
		view.header(session.Connected())
		view.redraw(session.Messages())

		lines := make(chan string)
		go scanLines(os.Stdin, lines)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return inputLoop(gctx, session, view, lines) })
		g.Go(func() error { return renderLoop(gctx, conversationID, view, updates) })

		err = g.Wait()
		if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

type chatUpdate struct {
	event   string
	payload any
}

// scanLines feeds stdin lines to out and closes it at EOF.
func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func inputLoop(ctx context.Context, session *solace.Session, view *chatView, lines <-chan string) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
		case line == "/quit":
			return errQuit
		case line == "/older":
			n, err := session.LoadOlderPage(ctx)
			if err != nil {
				view.notice("could not load older messages: %v", err)
				continue
			}
			if n == 0 {
				view.notice("no older messages")
				continue
			}
			view.redraw(session.Messages())
		case strings.HasPrefix(line, "/retry "):
			tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if _, err := session.Retry(ctx, tempID); err != nil {
				view.notice("retry failed: %v", err)
			}
		case strings.HasPrefix(line, "/"):
			view.notice("unknown command %s", line)
		default:
			if _, err := session.Send(ctx, line); err != nil {
				logger.Debug("send rejected", zap.Error(err))
				view.notice("not sent: %v", err)
			}
		}
	}
}

func renderLoop(ctx context.Context, conversationID string, view *chatView, updates <-chan chatUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-updates:
			switch p := u.payload.(type) {
			case []solace.Message:
				view.update(p)
			case solace.TypingState:
				if p.ConversationID == conversationID {
					view.typing(p.Typing)
				}
			case solace.Warning:
				view.notice("%s", p.Message)
			case solace.SendFailure:
				view.notice("could not send %q: %v", p.Content, p.Err)
			case solace.RealtimeState:
				view.notice("connection %s", p)
			case []string:
				view.presence(p)
			}
		}
	}
}

// ============================================================================
// chatView
// ============================================================================

// chatView prints the active conversation incrementally: each message once,
// plus a line when one of ours fails or is read.
type chatView struct {
	out         io.Writer
	selfID      string
	counterpart solace.Participant

	mu       sync.Mutex
	printed  map[string]solace.MessageStatus
	read     map[string]bool
	online   bool
	isTyping bool
}

func newChatView(out io.Writer, selfID string) *chatView {
	return &chatView{
		out:     out,
		selfID:  selfID,
		printed: make(map[string]solace.MessageStatus),
		read:    make(map[string]bool),
	}
}

func viewKey(m solace.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

func (v *chatView) header(connected bool) {
	mode := "live"
	if !connected {
		mode = "offline, polling"
	}
	fmt.Fprintf(v.out, "Chat with %s (%s). /quit to leave.\n", valueOrDefault(v.counterpart.DisplayName(), "?"), mode)
}

func (v *chatView) redraw(msgs []solace.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printed = make(map[string]solace.MessageStatus, len(msgs))
	v.read = make(map[string]bool, len(msgs))
	fmt.Fprintln(v.out, strings.Repeat("-", 40))
	v.applyLocked(msgs)
}

func (v *chatView) update(msgs []solace.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.applyLocked(msgs)
}

func (v *chatView) applyLocked(msgs []solace.Message) {
	for _, m := range msgs {
		key := viewKey(m)
		prev, seen := v.printed[key]
		v.printed[key] = m.Status
		switch {
		case !seen:
			printMessage(v.out, m, v.selfID)
		case m.Failed() && prev != m.Status:
			fmt.Fprintf(v.out, "! message failed, /retry %s\n", m.TempID)
		}
		if m.SenderID == v.selfID && m.IsRead && !v.read[key] {
			v.read[key] = true
			if seen {
				fmt.Fprintf(v.out, "  seen: %s\n", truncate(m.Content, 40))
			}
		}
	}
}

func (v *chatView) typing(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if on == v.isTyping {
		return
	}
	v.isTyping = on
	if on {
		fmt.Fprintf(v.out, "* %s is typing...\n", v.counterpart.DisplayName())
	}
}

func (v *chatView) presence(online []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := false
	for _, id := range online {
		if id == v.counterpart.ID {
			now = true
			break
		}
	}
	if now == v.online {
		return
	}
	v.online = now
	state := "offline"
	if now {
		state = "online"
	}
	fmt.Fprintf(v.out, "* %s is %s\n", v.counterpart.DisplayName(), state)
}

func (v *chatView) notice(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "! "+format+"\n", args...)
}
