package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorupool/coordinator"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive session. Variables persist between inputs.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - Shell commands in the environment directory (start line with !)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	SilenceUsage: true,
	RunE:         runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.gorupool_history)")
	replCmd.Flags().Duration("timeout", 0, "Per-input timeout (default from config, 30s)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	envID, _ := cmd.Flags().GetString("env")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".gorupool_history")
	}

	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.start(ctx); err != nil {
		return err
	}
	sess, err := a.openSession(ctx, envID)
	if err != nil {
		return err
	}
	env, err := a.sessions.Environment(sess.ID)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "gorupool %s REPL on environment %s (type 'exit' to quit, Ctrl+D to exit)\n",
		a.cfg.EngineConfig().WithDefaults().Dialect, env.ID)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(cmd.OutOrStdout())
				break
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if shell, ok := strings.CutPrefix(line, "!"); ok {
			req := coordinator.EnvironmentCommand(env, shell)
			req.SessionID = sess.ID
			res, err := a.coord.ExecuteCommand(ctx, req)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			} else if res.ExitCode != 0 && !res.TimedOut {
				fmt.Fprintf(stderr, "exit status %d\n", res.ExitCode)
			}
			continue
		}

		// Output is streamed by the sink; only lifecycle errors are left.
		if _, err := a.coord.ExecuteAsync(ctx, sess.ID, line, timeout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return nil
}
