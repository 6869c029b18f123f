// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package devio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Client is a user-mode handle to the control device. A handle maps to one
// connection; the device admits a single handle at a time.
type Client struct {
	conn *net.UnixConn
}

// Dial opens a handle to the control device. The daemon answers the open with
// a status frame before serving any request; a non-success status (for example
// access-denied or already-connected) is surfaced as a StatusError.
func Dial(path string) (*Client, error) {
	raddr := &net.UnixAddr{Name: path, Net: "unix"}

	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing control device: %w", err)
	}

	status, _, err := ReadResponse(conn)
	if err != nil {
		conn.Close() //nolint:errcheck

		return nil, fmt.Errorf("reading open status: %w", err)
	}

	if status != StatusSuccess {
		conn.Close() //nolint:errcheck

		return nil, &StatusError{Status: status}
	}

	return &Client{conn: conn}, nil
}

// Request issues one control operation and waits for its completion. For a
// held notification registration the call blocks until the driver delivers an
// event or cancels the registration.
func (c *Client) Request(op Op, payload []byte) (Status, []byte, error) {
	frame, err := EncodeRequest(op, payload)
	if err != nil {
		return 0, nil, err
	}

	if _, err := c.conn.Write(frame); err != nil {
		return 0, nil, fmt.Errorf("writing request: %w", err)
	}

	return ReadResponse(c.conn)
}

// RequestWithFile issues one control operation and attaches a file descriptor
// to the frame via SCM_RIGHTS. Used to hand a signal object (eventfd) to the
// driver when registering a signal-based notification.
func (c *Client) RequestWithFile(op Op, payload []byte, fd int) (Status, []byte, error) {
	frame, err := EncodeRequest(op, payload)
	if err != nil {
		return 0, nil, err
	}

	oob := unix.UnixRights(fd)

	if _, _, err := c.conn.WriteMsgUnix(frame, oob, nil); err != nil {
		return 0, nil, fmt.Errorf("writing request with rights: %w", err)
	}

	return ReadResponse(c.conn)
}

// Close releases the handle. The driver treats the close as a disconnect and
// cancels any notification still outstanding on it.
func (c *Client) Close() error {
	return c.conn.Close()
}
