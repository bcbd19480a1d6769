package main

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var errExecutionFailed = errors.New("execution failed")

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code in a fresh session",
	Long: `Execute code in a new session on the selected environment.

Code can be provided via:
  - File argument: gorupool run script.py
  - Inline flag: gorupool run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | gorupool run`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().Duration("timeout", 0, "Execution timeout (default from config, 30s)")
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		// No piped input
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if source == "" {
		return cmd.Help()
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	envID, _ := cmd.Flags().GetString("env")

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

	res, err := a.coord.ExecuteAsync(ctx, sess.ID, source, timeout)
	if err != nil {
		return err
	}
	switch {
	case res.TimedOut:
		return res.Err
	case res.Failed:
		return errExecutionFailed
	}
	a.logger.Debug("execution finished", "session", sess.ID, "duration", res.Duration, "lines", len(res.Lines))
	return nil
}
