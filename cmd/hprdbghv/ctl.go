// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/pkg/devio"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl --op [operation]",
	Short: "issue one control operation to a running daemon",
	Long:  "connects to the control device and issues 'disable', 'terminate', 'watch' (held notifications) or 'watch-signal' (eventfd notifications)",
	RunE:  ctl,
}

var ctlOpFlag string

func init() {
	ctlCmd.Flags().StringVar(&ctlOpFlag, "op", "", "control operation")
	rootCmd.AddCommand(ctlCmd)
}

func ctl(_ *cobra.Command, _ []string) error {
	client, err := devio.Dial(viper.GetString(flagSocket))
	if err != nil {
		statusErr := &devio.StatusError{}
		if errors.As(err, &statusErr) {
			return fmt.Errorf("device refused the session: %s", statusErr.Status)
		}

		return err
	}

	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close the control device", "err", err)
		}
	}()

	switch ctlOpFlag {
	case "disable":
		return oneShot(client, devio.OpDisableService)
	case "terminate":
		return oneShot(client, devio.OpTerminateEngine)
	case "watch":
		return watchHeld(client)
	case "watch-signal":
		return watchSignal(client)
	default:
		return fmt.Errorf("unknown operation %q", ctlOpFlag)
	}
}

func oneShot(client *devio.Client, op devio.Op) error {
	status, _, err := client.Request(op, nil)
	if err != nil {
		return fmt.Errorf("control request failed: %w", err)
	}

	fmt.Println(status)

	if status != devio.StatusSuccess {
		return fmt.Errorf("operation %s returned %s", op, status)
	}

	return nil
}

// watchHeld re-arms a held notification per delivered event and prints the
// relayed records until the daemon cancels the channel.
func watchHeld(client *devio.Client) error {
	payload := devio.EncodeNotifyRegistration(devio.NotifyHeldRequest)

	for {
		status, event, err := client.Request(devio.OpRegisterNotification, payload)
		if err != nil {
			return fmt.Errorf("notification request failed: %w", err)
		}

		switch status {
		case devio.StatusSuccess:
			// An empty success means the daemon is draining the session and
			// will never deliver another event on this channel.
			if len(event) == 0 {
				logger.Info("notification channel drained by the daemon")

				return nil
			}

			rec, err := logsink.DecodeRecord(event)
			if err != nil {
				logger.Warn("undecodable event payload", "err", err)

				continue
			}

			fmt.Printf("%s [%s] %s\n", rec.Time.Format("15:04:05.000"), rec.Level, rec.Message)
		case devio.StatusCancelled:
			logger.Info("notification channel cancelled by the daemon")

			return nil
		default:
			return fmt.Errorf("notification registration returned %s", status)
		}
	}
}

// watchSignal registers an eventfd signal object and counts its pulses. The
// signal carries no payload; content stays in the daemon's side channel.
func watchSignal(client *devio.Client) error {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("creating eventfd: %w", err)
	}

	defer unix.Close(fd) //nolint:errcheck

	payload := devio.EncodeNotifyRegistration(devio.NotifySignalObject)

	status, _, err := client.RequestWithFile(devio.OpRegisterNotification, payload, fd)
	if err != nil {
		return fmt.Errorf("signal registration failed: %w", err)
	}

	if status != devio.StatusSuccess {
		return fmt.Errorf("signal registration returned %s", status)
	}

	logger.Info("signal object registered, waiting for events")

	var buf [8]byte

	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return fmt.Errorf("reading eventfd: %w", err)
		}

		fmt.Println("event signalled")
	}
}
