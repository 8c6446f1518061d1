package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nainya/chatrelay/pkg/chat"
)

const requestTimeout = 10 * time.Second

var sendTarget string

var sendCmd = &cobra.Command{
	Use:   "send --to NODE MESSAGE...",
	Short: "Send a message through a running node",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

var historyCmd = &cobra.Command{
	Use:   "history [NODE]",
	Short: "Print the conversations held by a running node",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live updates from a running node until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	sendCmd.Flags().StringVar(&sendTarget, "to", "", "Node to send the message to")
	sendCmd.MarkFlagRequired("to")
}

func chatURL() string {
	return strings.TrimSuffix(addr, "/") + chatPath
}

func watchURL() string {
	return "ws" + strings.TrimPrefix(strings.TrimSuffix(addr, "/"), "http") + wsPath
}

func runSend(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(chat.SendRequest(sendTarget, strings.Join(args, " ")))
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Post(chatURL(), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", sendTarget)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Get(chatURL())
	if err != nil {
		return fmt.Errorf("history failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history failed: %s", resp.Status)
	}

	var r chat.Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}
	if r.Kind != chat.KindHistoryResult {
		return fmt.Errorf("unexpected response kind %d", r.Kind)
	}

	out := cmd.OutOrStdout()
	counterparties := make([]string, 0, len(r.Messages))
	for name := range r.Messages {
		if len(args) == 1 && name != args[0] {
			continue
		}
		counterparties = append(counterparties, name)
	}
	sort.Strings(counterparties)

	for _, name := range counterparties {
		fmt.Fprintf(out, "== %s ==\n", name)
		for _, m := range r.Messages[name] {
			fmt.Fprintf(out, "%s: %s\n", m.Author, m.Content)
		}
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	url := watchURL()
	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-cmd.Context().Done()
		conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var n struct {
			NewMessage *chat.NewMessage `json:"NewMessage"`
		}
		if err := json.Unmarshal(frame, &n); err != nil || n.NewMessage == nil {
			fmt.Fprintln(out, string(frame))
			continue
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", n.NewMessage.Chat, n.NewMessage.Author, n.NewMessage.Content)
	}
}
