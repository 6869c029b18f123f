// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lujiawen/HyperDbg/internal/driver"
	"github.com/lujiawen/HyperDbg/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "load the driver and serve the control device",
	Long:  "brings the control plane up, binds the control socket and serves debugger clients until terminated",
	RunE:  serve,
}

var errServeFailed = errors.New("error serving the control device")

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(_ *cobra.Command, _ []string) error {
	logger.Info("loading driver", "name", version.Name, "version", version.Tag)

	d, err := driver.Load(logger, driver.Config{
		SocketPath:         viper.GetString(flagSocket),
		SkipPrivilegeCheck: viper.GetBool(flagSkipPrivilegeCheck),
	})
	if err != nil {
		logger.Error("error loading driver", "err", err)

		return errServeFailed
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Debug("signal received", "signal", <-sig)
		d.Unload()
	}()

	if err := d.Serve(); err != nil {
		logger.Error("error serving control clients", "err", err)
		d.Unload()

		return errServeFailed
	}

	logger.Info("graceful shutdown done, fair winds!")

	return nil
}
