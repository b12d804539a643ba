package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

var (
	chatPeer  string
	chatGroup string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatPeer, "peer", "", "user id to chat with")
	chatCmd.Flags().StringVar(&chatGroup, "group", "", "group id to open")
	chatCmd.MarkFlagsOneRequired("peer", "group")
	chatCmd.MarkFlagsMutuallyExclusive("peer", "group")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a live conversation",
	Long: `Prints the history, then every new message as it arrives. Each line read
from stdin is sent as a message. Lines starting with / are commands:

  /attach PATH   upload a file and send it as an image or file message
  /typing        tell the others you are typing
  /seen          list who has viewed the latest message
  /logout        mark yourself away, sign out and leave
  /quit          leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			conv, err := openConversation(ctx, a)
			if err != nil {
				return err
			}
			defer conv.Close()
			logout := func(ctx context.Context) error {
				return a.messenger.SignOut(ctx, a.session.SignOut)
			}
			return runChat(ctx, conv, logout, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

// conversation hides whether a direct chat's session exists yet.
type conversation interface {
	Session() *chat.Session
	Send(ctx context.Context, text string) (chat.Message, error)
	SendAttachment(ctx context.Context, fileName string, data []byte, kind chat.MessageKind) (chat.Message, error)
	Close() error
}

type groupChat struct{ s *chat.Session }

func (g groupChat) Session() *chat.Session { return g.s }

func (g groupChat) Send(ctx context.Context, text string) (chat.Message, error) {
	return g.s.Send(ctx, text)
}

func (g groupChat) SendAttachment(ctx context.Context, fileName string, data []byte, kind chat.MessageKind) (chat.Message, error) {
	return g.s.SendAttachment(ctx, fileName, data, kind)
}

func (g groupChat) Close() error { return g.s.Close() }

func openConversation(ctx context.Context, a *app) (conversation, error) {
	if chatGroup != "" {
		s, err := a.messenger.OpenGroup(ctx, chatGroup)
		if err != nil {
			return nil, err
		}
		return groupChat{s}, nil
	}
	d, err := a.messenger.OpenDirect(ctx, chatPeer)
	if err != nil {
		return nil, err
	}
	return d, nil
}

type chatView struct {
	out     io.Writer
	printed map[string]bool
	typing  string
	logout  func(context.Context) error
}

// runChat returns when in ends, on /quit, or once ctx is cancelled; a sign-out
// cancels ctx through the app.
func runChat(ctx context.Context, conv conversation, logout func(context.Context) error, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	view := &chatView{out: out, printed: map[string]bool{}, logout: logout}
	if d, ok := conv.(*chat.DirectChat); ok {
		p := d.Peer()
		fmt.Fprintf(out, "chatting with %s (%s)\n", p.FullName(), status(p.IsActive))
		if d.Session() == nil {
			fmt.Fprintln(out, "no messages yet")
		}
	}
	if s := conv.Session(); s != nil {
		view.refresh(ctx, s)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var updates <-chan struct{}
		if s := conv.Session(); s != nil {
			updates = s.Updates()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			view.refresh(ctx, conv.Session())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, conv, view, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv conversation, view *chatView, line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch {
	case line == "":
		return false, nil
	case cmd == "/quit":
		return true, nil
	case cmd == "/logout":
		if view.logout == nil {
			return false, errors.New("logout is not available here")
		}
		return false, view.logout(ctx)
	case cmd == "/typing":
		s := conv.Session()
		if s == nil {
			return false, errors.New("nobody to notify until the first message is sent")
		}
		_, err := s.Typing().InputChanged(ctx)
		return false, err
	case cmd == "/seen":
		return false, view.showSeen(ctx, conv.Session())
	case cmd == "/attach":
		return false, sendFile(ctx, conv, strings.TrimSpace(arg))
	case strings.HasPrefix(cmd, "/"):
		return false, fmt.Errorf("unknown command %s", cmd)
	default:
		_, err := conv.Send(ctx, line)
		return false, err
	}
}

func sendFile(ctx context.Context, conv conversation, path string) error {
	if path == "" {
		return errors.New("usage: /attach PATH")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	kind := chat.MessageFile
	if strings.HasPrefix(mimetype.Detect(data).String(), "image/") {
		kind = chat.MessageImage
	}
	_, err = conv.SendAttachment(ctx, filepath.Base(path), data, kind)
	return err
}

// refresh prints messages not shown yet, marks them viewed and redraws the
// typing line when it changed.
func (v *chatView) refresh(ctx context.Context, s *chat.Session) {
	fresh := false
	for _, m := range s.Messages() {
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		fresh = true
		v.printMessage(ctx, s, m)
	}
	if fresh {
		v.markViewed(ctx, s)
	}
	if ind := s.Typing().Indicator(); ind != v.typing {
		v.typing = ind
		if ind != "" {
			fmt.Fprintf(v.out, "  %s\n", ind)
		}
	}
}

func (v *chatView) printMessage(ctx context.Context, s *chat.Session, m chat.Message) {
	who := "you"
	if m.SenderID != s.SelfID() {
		who = m.SenderID
		if p, err := s.Profile(ctx, m.SenderID); err == nil {
			who = p.FullName()
		}
	}
	text := m.Content
	if m.AttachmentURL != "" {
		text = fmt.Sprintf("[%s] %s %s", m.Kind, m.Content, m.AttachmentURL)
	}
	fmt.Fprintf(v.out, "%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, text)
}

func (v *chatView) markViewed(ctx context.Context, s *chat.Session) {
	var err error
	if s.Conversation().Kind == chat.KindGroup {
		_, err = s.Receipts().MarkAllViewed(ctx)
	} else {
		_, err = s.Receipts().MarkLatestViewed(ctx)
	}
	if err != nil && !errors.Is(err, chat.ErrClosed) {
		fmt.Fprintf(v.out, "! %v\n", err)
	}
}

func (v *chatView) showSeen(ctx context.Context, s *chat.Session) error {
	if s == nil {
		return errors.New("no messages yet")
	}
	msgs := s.Messages()
	if len(msgs) == 0 {
		return errors.New("no messages yet")
	}
	last := msgs[len(msgs)-1]
	viewers, err := s.Receipts().ResolveViewers(ctx, []string{last.ID})
	if err != nil {
		return err
	}
	names := make([]string, 0, len(viewers[last.ID]))
	for _, vw := range viewers[last.ID] {
		names = append(names, strings.TrimSpace(vw.FirstName+" "+vw.LastName))
	}
	if len(names) == 0 {
		fmt.Fprintln(v.out, "  not seen yet")
		return nil
	}
	fmt.Fprintf(v.out, "  seen by %s\n", strings.Join(names, ", "))
	return nil
}
