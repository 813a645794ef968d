// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const logo = "🤖"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "witbot",
		Short:         "Messenger bot driven by an action-dispatch engine",
		Long:          "witbot receives Messenger webhook events, lets a decision engine pick actions for each conversation turn, and replies through the Graph Send API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config.json")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		logger.SetOutput(os.Stderr, cfg.Log.Format)
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newConsoleCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s witbot %s\n", logo, formatVersion())
			build, goVer := formatBuildInfo()
			if build != "" {
				fmt.Fprintf(out, "  Build: %s\n", build)
			}
			if goVer != "" {
				fmt.Fprintf(out, "  Go: %s\n", goVer)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
