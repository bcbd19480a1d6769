package main

import (
	"os"
	"strings"

	"github.com/caffeineduck/gorupool/engine/wasm"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gorupool [file]",
	Short: "Multi-session code execution over one shared WebAssembly interpreter",
	Long: `gorupool - Serve many isolated sessions from a single embedded interpreter.

Each session is placed on a virtual environment (a library install set), gets
its own namespace, and runs code under a timeout. Access to the interpreter is
serialized; a call that overruns its timeout is asked to stop and the caller
gets its result at once.

Run code from files, inline strings, or stdin.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: gorupool.yaml in . or the user config dir)")
	pf.String("runtime", "", "Interpreter module (.wasm)")
	pf.StringP("dialect", "d", "", "Guest dialect: python, quickjs, plain")
	pf.StringP("env", "e", "", "Environment id (default: least loaded)")
	pf.Bool("no-cache", false, "Disable compilation cache")
	pf.String("memory", "", "Memory limit: 16mb, 64mb, 256mb, 1gb")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("trace", "", "Write OpenTelemetry spans to this file")

	addRunFlags(rootCmd)
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "16mb":
		return wasm.MemoryLimit16MB
	case "64mb":
		return wasm.MemoryLimit64MB
	case "256mb":
		return wasm.MemoryLimit256MB
	case "1gb":
		return wasm.MemoryLimit1GB
	default:
		return 0 // use config
	}
}
