package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorupool/environment"
)

var errNoEnvironmentState = errors.New("state.environments is not configured")

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage virtual environments",
}

var envListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List configured and saved environments",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runEnvList,
}

var envAddCmd = &cobra.Command{
	Use:   "add <id> <path>",
	Short: "Register an environment and save it",
	Long: `Register a library install set. The path is mounted read-only into every
session placed on the environment. Requires state.environments in the config.`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runEnvAdd,
}

var envRemoveCmd = &cobra.Command{
	Use:          "remove <id>",
	Short:        "Remove a saved environment",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runEnvRemove,
}

func init() {
	envAddCmd.Flags().String("module", "", "Interpreter module for this environment (default: engine.runtime)")
	envCmd.AddCommand(envListCmd, envAddCmd, envRemoveCmd)
	rootCmd.AddCommand(envCmd)
}

func runEnvList(cmd *cobra.Command, args []string) error {
	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tRUNTIME")
	for _, env := range a.envs.List() {
		d := env.Descriptor()
		runtime := d.RuntimePath
		if runtime == "" {
			runtime = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Path, runtime)
	}
	return w.Flush()
}

func runEnvAdd(cmd *cobra.Command, args []string) error {
	module, _ := cmd.Flags().GetString("module")

	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	url := a.cfg.State.Environments
	if url == "" {
		return errNoEnvironmentState
	}

	path, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	if _, err := a.envs.Add(environment.Descriptor{ID: args[0], Path: path, RuntimePath: module}); err != nil {
		return err
	}
	if err := a.envs.SaveEnvironments(cmd.Context(), url); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added environment %s (%s)\n", args[0], path)
	return nil
}

func runEnvRemove(cmd *cobra.Command, args []string) error {
	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	url := a.cfg.State.Environments
	if url == "" {
		return errNoEnvironmentState
	}

	if err := a.envs.Remove(args[0]); err != nil {
		return err
	}
	if err := a.envs.SaveEnvironments(cmd.Context(), url); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed environment %s\n", args[0])
	return nil
}
