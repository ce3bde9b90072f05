package cmds

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

type clientSettings struct {
	URL    string
	Token  string
	Linger time.Duration
	Plain  bool
}

func NewClientCommand(flags *GlobalFlags) *cobra.Command {
	s := &clientSettings{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Chat with a relay from the terminal, one stdin line per message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.URL == "" {
				s.URL = wsURLFromAddr(flags.Config().Server.Addr)
			}
			return runClient(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), s)
		},
	}
	cmd.Flags().StringVar(&s.URL, "url", "", "Websocket URL (default derived from --addr)")
	cmd.Flags().StringVar(&s.Token, "token", os.Getenv("CHATRELAY_TOKEN"), "Room token; empty joins a new anonymous room")
	cmd.Flags().DurationVar(&s.Linger, "linger", 60*time.Second, "How long to wait for replies after stdin closes")
	cmd.Flags().BoolVar(&s.Plain, "plain", false, "Print raw markdown even on a terminal")
	return cmd
}

func wsURLFromAddr(addr string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + "/ws"
}

func runClient(in io.Reader, out, errOut io.Writer, s *clientSettings) error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return errors.Wrap(err, "parse url")
	}
	hdr := http.Header{}
	if s.Token != "" {
		hdr.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", u)
	}
	defer func() { _ = conn.Close() }()

	_, _ = fmt.Fprintf(errOut, "room: %s\n", resp.Header.Get(webchat.HeaderRoomID))
	if tok := resp.Header.Get(webchat.HeaderRoomToken); tok != "" {
		_, _ = fmt.Fprintf(errOut, "token: %s\n", tok)
	}

	render := plainRenderer
	if !s.Plain && isTerminal(out) {
		render = glamourRenderer
	}

	received := make(chan struct{}, 16)
	readDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			var turn conversation.Turn
			if err := json.Unmarshal(data, &turn); err != nil {
				log.Warn().Err(err).Msg("unreadable frame")
				continue
			}
			_, _ = fmt.Fprint(out, render(turn))
			select {
			case received <- struct{}{}:
			default:
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b, err := json.Marshal(conversation.UserTurn(line))
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return errors.Wrap(err, "send message")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stdin")
	}

	// stdin is done; keep printing until the server goes quiet for Linger
	timer := time.NewTimer(s.Linger)
	defer timer.Stop()
	for {
		select {
		case <-received:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.Linger)
		case err := <-readDone:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read")
		case <-timer.C:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func plainRenderer(t conversation.Turn) string {
	return fmt.Sprintf("[%s] %s\n", t.Role, t.Content)
}

func glamourRenderer(t conversation.Turn) string {
	if t.Role != conversation.RoleAssistant {
		return plainRenderer(t)
	}
	styled, err := glamour.Render(t.Content, "dark")
	if err != nil {
		return plainRenderer(t)
	}
	return styled
}
