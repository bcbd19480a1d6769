package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorupool/coordinator"
)

var installCmd = &cobra.Command{
	Use:   "install <package>...",
	Short: "Install packages into an environment",
	Long: `Run the package installer inside the environment directory with
VIRTUAL_ENV set. The default installer is "pip install --target .", which
puts packages where sessions on the environment import them from.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runInstall,
}

func init() {
	installCmd.Flags().String("installer", "pip install --target .", "Installer command; packages are appended")
	installCmd.Flags().Duration("timeout", 0, "Install timeout (default from config, 5m)")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	installer, _ := cmd.Flags().GetString("installer")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	envID, _ := cmd.Flags().GetString("env")

	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if envID == "" {
		return fmt.Errorf("--env is required")
	}
	env, err := a.envs.Find(envID)
	if err != nil {
		return err
	}
	if env.Descriptor().Path == "" {
		return fmt.Errorf("environment %s has no path", envID)
	}

	req := coordinator.EnvironmentCommand(env, installer+" "+strings.Join(args, " "))
	req.Timeout = timeout
	res, err := a.coord.ExecuteCommand(cmd.Context(), req)
	if err != nil {
		return err
	}
	if res.TimedOut {
		return fmt.Errorf("install timed out after %s", res.Duration.Round(time.Millisecond))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("installer exited with status %d", res.ExitCode)
	}
	return nil
}
