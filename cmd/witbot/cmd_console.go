package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/gateway"
)

const consoleUser = "console"

// consoleSender prints bot replies instead of calling the Send API.
type consoleSender struct {
	out io.Writer
	mu  sync.Mutex
}

func (s *consoleSender) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s %s\n\n", logo, text)
	return err
}

func newConsoleCmd(load func() (*config.Config, error)) *cobra.Command {
	var offline bool
	var message string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot from the terminal",
		Long:  "console runs turns through the configured decision engine and real actions, printing replies locally. --offline uses the built-in scripted stories.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if offline {
				cfg.Engine.Provider = "script"
			}
			if err := cfg.ValidateEngine(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cfg.Heartbeat.Enabled = false
			cfg.Monitor.Enabled = false

			out := cmd.OutOrStdout()
			g, err := gateway.New(cfg, gateway.Deps{Sender: &consoleSender{out: out}})
			if err != nil {
				return err
			}

			if message != "" {
				return runConsoleLine(cmd.Context(), g, out, message)
			}

			fmt.Fprintf(out, "%s Interactive mode (Ctrl+C to exit, /help for commands)\n\n", logo)
			interactiveMode(cmd.Context(), g, out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "use the scripted engine instead of the configured one")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	return cmd
}

// runConsoleLine handles one line of input: a slash command or a turn.
func runConsoleLine(ctx context.Context, g *gateway.Gateway, out io.Writer, input string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if response, handled := g.HandleCommand(consoleUser, input); handled {
		fmt.Fprintln(out, response)
		return nil
	}

	sess, _ := g.Sessions.ResolveOrCreate(consoleUser)
	unlock, err := g.Sessions.Lock(sess.ID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err = g.Sessions.Get(sess.ID)
	if err != nil {
		return err
	}
	_, err = g.Loop.Start(ctx, sess, input).Wait(ctx)
	return err
}

func interactiveMode(ctx context.Context, g *gateway.Gateway, out io.Writer) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", logo),
		HistoryFile:     filepath.Join(os.TempDir(), ".witbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, g, os.Stdin, out)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleInput(ctx, g, out, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, g *gateway.Gateway, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleInput(ctx, g, out, line) {
			return
		}
	}
}

// handleInput returns false when the user asked to leave.
func handleInput(ctx context.Context, g *gateway.Gateway, out io.Writer, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(out, "Goodbye!")
		return false
	}
	if err := runConsoleLine(ctx, g, out, input); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return true
}
