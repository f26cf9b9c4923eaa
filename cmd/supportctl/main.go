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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shophub/chat"
	"shophub/chatclient"
)

type rootOptions struct {
	URL   string
	Token string
	ID    string
	Name  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "supportctl",
		Short: "Terminal client for the support chat",
		Long: `Connect to the support chat as a customer or as support staff.

Each line read from stdin is sent as a message. Support staff switch
conversations with "/select <customer-id>".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "ws://localhost:8080/api/v1/support/ws", "websocket endpoint")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("SHOPHUB_TOKEN"), "access token")
	cmd.PersistentFlags().StringVar(&opts.ID, "id", "", "chat identity id (required)")
	cmd.PersistentFlags().StringVar(&opts.Name, "name", "", "display name")
	_ = cmd.MarkPersistentFlagRequired("id")

	cmd.AddCommand(newChatCommand(opts, "customer", "Chat with support as a customer", false))
	cmd.AddCommand(newChatCommand(opts, "admin", "Answer customers as support staff", true))
	return cmd
}

func newChatCommand(opts *rootOptions, use, short string, isAdmin bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			identity := chat.Identity{ID: opts.ID, Name: opts.Name, IsAdmin: isAdmin}
			return runChat(ctx, opts, identity, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, opts *rootOptions, identity chat.Identity, in io.Reader, out io.Writer) error {
	p := &printer{}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := chatclient.Dial(dialCtx, opts.URL, identity, chatclient.Options{
		Token: opts.Token,
		OnUpdate: func(v chatclient.View) {
			for _, line := range p.render(v) {
				fmt.Fprintln(out, line)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.URL, err)
	}
	defer client.Close()
	if err := client.WaitActive(dialCtx); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("connection closed by server")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(client, line); err != nil {
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}

func handleLine(client *chatclient.Client, line string) error {
	line = strings.TrimSpace(line)
	if id, ok := strings.CutPrefix(line, "/select "); ok {
		return client.SelectConversation(strings.TrimSpace(id))
	}
	return client.SendMessage(line)
}
