package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/reconciler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverFlag       string
	conversationFlag string
	thinkingFlag     bool
	searchFlag       bool
	newFlag          bool
	listFlag         bool
	verboseFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "padi-chat [message]",
	Short: "Send a message to a padi relay and stream the reply",
	Long: `padi-chat sends one message to a conversation on a padi relay server and
prints the assistant's reply as it streams.

Examples:
  padi-chat "What is Go?"                 Continue the most recent conversation
  padi-chat --new "Plan a trip"           Start a new conversation
  padi-chat -c <id> --search "News today" Search the web before answering
  echo "hello" | padi-chat                Read the message from stdin
  padi-chat --list                        List conversations`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.NewNop()
		if verboseFlag {
			var err error
			if logger, err = zap.NewDevelopment(); err != nil {
				return err
			}
		}
		defer logger.Sync()

		printer := &printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), thinking: thinkingFlag}
		rec := reconciler.New(client.New(serverFlag, nil, logger), logger, reconciler.WithListener(printer))
		ctx := cmd.Context()

		if err := rec.Load(ctx); err != nil {
			return err
		}
		if listFlag {
			for _, c := range rec.Conversations() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %d messages\n", c.ID, c.Title, len(c.Messages))
			}
			return nil
		}

		text, err := readMessage(cmd, args)
		if err != nil {
			return err
		}
		if text == "" {
			return cmd.Help()
		}

		convID, err := pickConversation(ctx, rec)
		if err != nil {
			return err
		}
		printer.watch(convID)

		_, err = rec.Submit(ctx, convID, text, reconciler.SendOptions{
			EnableThinking: thinkingFlag,
			EnableSearch:   searchFlag,
		})
		fmt.Fprintln(cmd.OutOrStdout())
		return err
	},
}

func init() {
	rootCmd.Flags().StringVarP(&serverFlag, "server", "s", "http://localhost:8100", "relay server URL")
	rootCmd.Flags().StringVarP(&conversationFlag, "conversation", "c", "", "conversation id (default: most recent)")
	rootCmd.Flags().BoolVar(&thinkingFlag, "thinking", false, "ask the model to reason and print its reasoning")
	rootCmd.Flags().BoolVar(&searchFlag, "search", false, "enrich the message with web search results")
	rootCmd.Flags().BoolVar(&newFlag, "new", false, "start a new conversation")
	rootCmd.Flags().BoolVar(&listFlag, "list", false, "list conversations and exit")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "log to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func pickConversation(ctx context.Context, rec *reconciler.Reconciler) (string, error) {
	if conversationFlag != "" {
		if _, ok := rec.Conversation(conversationFlag); !ok {
			return "", fmt.Errorf("conversation %s not found", conversationFlag)
		}
		return conversationFlag, nil
	}
	if !newFlag {
		if convs := rec.Conversations(); len(convs) > 0 {
			return convs[0].ID, nil
		}
	}
	conv, err := rec.CreateConversation(ctx)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// printer writes the growing assistant message as deltas.
type printer struct {
	out, errOut io.Writer
	thinking    bool

	mu        sync.Mutex
	convID    string
	content   map[string]int
	reasoning map[string]int
	searched  map[string]bool
}

func (p *printer) watch(convID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convID = convID
	p.content = map[string]int{}
	p.reasoning = map[string]int{}
	p.searched = map[string]bool{}
}

func (p *printer) MessageUpdated(convID string, msg models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if convID != p.convID || msg.Role != models.RoleAssistant {
		return
	}
	if msg.SearchResults != "" && !p.searched[msg.ID] {
		p.searched[msg.ID] = true
		fmt.Fprintln(p.errOut, "[searched the web]")
	}
	if p.thinking {
		if n := p.reasoning[msg.ID]; len(msg.ReasoningContent) > n {
			fmt.Fprint(p.errOut, msg.ReasoningContent[n:])
			p.reasoning[msg.ID] = len(msg.ReasoningContent)
		}
	}
	if n := p.content[msg.ID]; len(msg.Content) > n {
		if n == 0 && p.reasoning[msg.ID] > 0 {
			fmt.Fprintln(p.errOut)
		}
		fmt.Fprint(p.out, msg.Content[n:])
		p.content[msg.ID] = len(msg.Content)
	}
}

func (p *printer) ExchangeFinished(convID string, state reconciler.State, err error) {
	if state == reconciler.StateRolledBack {
		fmt.Fprintf(p.errOut, "\n[message not saved: %v]\n", err)
	}
}
