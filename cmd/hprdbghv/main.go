// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the hypervisor control daemon
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lujiawen/HyperDbg/internal/util"
	"github.com/lujiawen/HyperDbg/internal/version"
)

const (
	flagLogLevel           = "log-level"
	flagSocket             = "socket"
	flagSkipPrivilegeCheck = "skip-privilege-check"
)

const defaultSocketPath = "/run/hprdbghv.sock"

var rootCmd = &cobra.Command{
	Use:               "hprdbghv",
	Short:             "control plane of the hypervisor-based debugger",
	Long:              "this daemon brings the virtualization engine online and serves the debugger's control channel",
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var logger *slog.Logger

func parseLevel(s string) (slog.Level, error) {
	// slog does not support trace level logging by default, but is flexible
	if strings.ToUpper(s) == "TRACE" {
		return util.LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	logger.Debug("starting", "name", version.Name, "version", version.Tag)

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("hprdbghv")

	pf := rootCmd.PersistentFlags()
	pf.String(flagSocket, defaultSocketPath, "path of the control device socket")
	pf.Bool(flagSkipPrivilegeCheck, false, "admit clients without the debug capability")
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
