package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/harun/sparrow/internal/daemon"
	"github.com/harun/sparrow/pkg/agent"
	"github.com/harun/sparrow/pkg/chat"
	"github.com/spf13/cobra"
)

var (
	chatSessionID    string
	chatTemporary    bool
	chatNoHistory    bool
	chatSystemPrompt string
	chatModel        string
	chatTemperature  float64
	chatTopP         float64
	chatSeed         int64
	chatMaxTokens    int64
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the configured model",
	Long: `Send a message and stream the reply to stdout. Tools requested by the
model are run and their results are folded into the answer.

With no message argument, chat reads one message per line from stdin until EOF
or /exit. /new starts a fresh session. Ctrl-C aborts the current turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to continue (default: new session)")
	chatCmd.Flags().BoolVar(&chatTemporary, "temporary", false, "start a temporary session")
	chatCmd.Flags().BoolVar(&chatNoHistory, "no-history", false, "do not send prior messages of the session")
	chatCmd.Flags().StringVar(&chatSystemPrompt, "system", "", "system prompt override")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model id override")
	chatCmd.Flags().Float64Var(&chatTemperature, "temperature", 0, "sampling temperature")
	chatCmd.Flags().Float64Var(&chatTopP, "top-p", 0, "nucleus sampling probability")
	chatCmd.Flags().Int64Var(&chatSeed, "seed", 0, "sampling seed")
	chatCmd.Flags().Int64Var(&chatMaxTokens, "max-tokens", 0, "maximum completion tokens")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatModel != "" {
		cfg.Backend.Model = chatModel
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	if len(cfg.MCP.AutoConnect) > 0 {
		d.GetToolManager().ConnectAll(cmd.Context(), cfg.MCP.AutoConnect)
	}

	session := &chatSession{
		service: d.GetChatService(),
		out:     cmd.OutOrStdout(),
		id:      chatSessionID,
		base:    chatRequestFromFlags(cmd),
	}
	if session.id == "" && chatTemporary {
		session.id = d.GetSessionStore().CreateTemporary("").ID
	}

	if len(args) > 0 {
		return session.send(cmd.Context(), strings.Join(args, " "))
	}
	return session.repl(cmd.Context(), cmd.InOrStdin())
}

// chatRequestFromFlags holds the per-turn overrides given on the command line.
func chatRequestFromFlags(cmd *cobra.Command) chat.Request {
	req := chat.Request{SystemPrompt: chatSystemPrompt}
	if chatNoHistory {
		include := false
		req.IncludeHistory = &include
	}

	flags := cmd.Flags()
	var sampling agent.SamplingParams
	set := false
	if flags.Changed("temperature") {
		sampling.Temperature = &chatTemperature
		set = true
	}
	if flags.Changed("top-p") {
		sampling.TopP = &chatTopP
		set = true
	}
	if flags.Changed("seed") {
		sampling.Seed = &chatSeed
		set = true
	}
	if flags.Changed("max-tokens") {
		sampling.MaxCompletionTokens = &chatMaxTokens
		set = true
	}
	if set {
		req.Sampling = &sampling
	}
	return req
}

// chatSession tracks the session a terminal conversation writes to.
type chatSession struct {
	service *chat.Service
	out     io.Writer
	id      string
	base    chat.Request
}

// send runs one turn. Interrupting the process cancels the turn.
func (c *chatSession) send(parent context.Context, message string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	req := c.base
	req.SessionID = c.id
	req.Message = message
	req.Sink = agent.NewWriterSink(c.out)

	resp, err := c.service.Send(ctx, req)
	fmt.Fprintln(c.out)
	if resp != nil {
		c.id = resp.SessionID
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(c.out, "[aborted]")
			return nil
		}
		return err
	}
	return nil
}

func (c *chatSession) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			c.id = ""
			fmt.Fprintln(c.out, "Started a new session")
			continue
		}

		if err := c.send(ctx, line); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}
