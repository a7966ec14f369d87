package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/pkg/protocol"
)

// wrapWidth is the terminal column budget for agent replies.
const wrapWidth = 96

func chatCmd() *cobra.Command {
	var (
		host  string
		token string
		code  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the gateway over its webchat WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code != "" {
				t, err := exchangePairingCode(host, code)
				if err != nil {
					return err
				}
				token = t
				fmt.Fprintf(os.Stderr, "paired; token: %s\n", token)
			}
			return runChat(host, token)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1:8787", "gateway host:port")
	cmd.Flags().StringVar(&token, "token", os.Getenv("GATEHOUSE_TOKEN"), "pairing token")
	cmd.Flags().StringVar(&code, "code", "", "one-time pairing code (exchanged for a token first)")
	return cmd
}

// exchangePairingCode trades a one-time code for a bearer token via
// POST /pair.
func exchangePairingCode(host, code string) (string, error) {
	body, _ := json.Marshal(map[string]string{"code": code, "label": "gatehouse chat"})
	resp, err := http.Post("http://"+host+"/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pair with %s: %w", host, err)
	}
	defer resp.Body.Close()

	var out struct {
		Paired bool   `json:"paired"`
		Token  string `json:"token"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pair response: %w", err)
	}
	if !out.Paired {
		return "", fmt.Errorf("pairing rejected: %s", out.Error)
	}
	return out.Token, nil
}

// runChat is the interactive REPL: read a line, send a message frame,
// render streamed edits until the reply settles.
func runChat(host, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+host+"/ws", header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("unauthorized: pair first with gatehouse chat --code <code>")
		}
		return fmt.Errorf("connect to %s: %w", host, err)
	}
	defer ws.Close()

	var hello protocol.Frame
	if err := ws.ReadJSON(&hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("connected to %s (conn %s). Ctrl-D to quit.\n", host, hello.ID)

	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f protocol.Frame
			if err := ws.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ws.WriteJSON(protocol.Frame{Type: protocol.FrameMessage, Text: line}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if err := renderReply(frames, readErr); err != nil {
			return err
		}
	}
}

// renderReply consumes frames for one turn: message frames print,
// edit frames redraw in place, a quiet period ends the turn.
func renderReply(frames <-chan protocol.Frame, readErr <-chan error) error {
	var lastLines int
	settle := time.NewTimer(time.Minute)
	defer settle.Stop()
	for {
		select {
		case f := <-frames:
			switch f.Type {
			case protocol.FrameMessage, protocol.FrameEdit:
				clearLines(lastLines)
				wrapped := wrapText(f.Text, wrapWidth)
				fmt.Println(wrapped)
				lastLines = strings.Count(wrapped, "\n") + 1
				settle.Reset(2 * time.Second)
			case protocol.FrameError:
				fmt.Printf("error: %s\n", f.Error)
				return nil
			}
		case <-settle.C:
			return nil
		case err := <-readErr:
			return fmt.Errorf("connection lost: %w", err)
		}
	}
}

func clearLines(n int) {
	for i := 0; i < n; i++ {
		fmt.Print("\033[1A\033[2K")
	}
}

// wrapText breaks text at display width using runewidth, so wide CJK
// glyphs count double.
func wrapText(text string, width int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, wrapLine(line, width))
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return line
	}
	var b strings.Builder
	cur := 0
	for i, word := range words {
		w := runewidth.StringWidth(word)
		if i > 0 {
			if cur+1+w > width {
				b.WriteByte('\n')
				cur = 0
			} else {
				b.WriteByte(' ')
				cur++
			}
		}
		b.WriteString(word)
		cur += w
	}
	return b.String()
}
