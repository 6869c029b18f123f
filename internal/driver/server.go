// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/lujiawen/HyperDbg/internal/caps"
	"github.com/lujiawen/HyperDbg/internal/dispatch"
	"github.com/lujiawen/HyperDbg/internal/gate"
	"github.com/lujiawen/HyperDbg/internal/util"
	"github.com/lujiawen/HyperDbg/pkg/devio"
)

// maxFilesPerRequest bounds the descriptors one control frame may carry.
const maxFilesPerRequest = 4

// Serve accepts clients on the control socket until Unload. Every accepted
// connection goes through the lifecycle gate; the gate, not the accept loop,
// enforces the single-session invariant, so a second client gets a proper
// already-connected status instead of hanging in the backlog.
func (d *Driver) Serve() error {
	for {
		conn, err := d.listener.AcceptUnix()
		if err != nil {
			if d.unloaded.Load() {
				return nil
			}

			return fmt.Errorf("accepting control client: %w", err)
		}

		d.connsMu.Lock()
		d.conns[conn] = struct{}{}
		d.connsMu.Unlock()

		d.wg.Add(1)

		go d.handleSession(conn)
	}
}

// connectStatus maps a gate error to the wire status answered at open time.
func connectStatus(err error) devio.Status {
	switch {
	case err == nil:
		return devio.StatusSuccess
	case errors.Is(err, gate.ErrAccessDenied):
		return devio.StatusAccessDenied
	case errors.Is(err, gate.ErrAlreadyConnected):
		return devio.StatusAlreadyConnected
	case errors.Is(err, gate.ErrEngineInit):
		return devio.StatusEngineInitFailed
	case errors.Is(err, gate.ErrDebuggerInit):
		return devio.StatusDebuggerInitFailed
	default:
		return devio.StatusUnsuccessful
	}
}

func (d *Driver) handleSession(conn *net.UnixConn) {
	defer d.wg.Done()
	defer func() {
		conn.Close() //nolint:errcheck
		d.connsMu.Lock()
		delete(d.conns, conn)
		d.connsMu.Unlock()
	}()

	l := d.logger.With("module", "session")

	cred, err := d.credentialFor(conn)
	if err != nil {
		l.Warn("could not resolve peer credentials", "err", err)
		cred = deniedCredential{}
	}

	connectErr := d.gate.Connect(cred)
	status := connectStatus(connectErr)

	writeMu := new(sync.Mutex)

	// No completer exists yet, so the open-status write needs no lock.
	err = devio.WriteResponse(conn, status, nil)

	if err != nil || connectErr != nil {
		if connectErr != nil {
			l.Warn("session rejected", "status", status, "err", connectErr)
		}

		return
	}

	d.sink.Infof("hypervisor started, session open")

	// Session teardown is the cancellation point: outstanding held requests
	// complete with a cancellation status, then the handle is released.
	defer func() {
		d.registry.CancelAll()
		d.gate.Disconnect()
		l.Info("session closed")
	}()

	for {
		op, payload, files, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.Warn("control channel read failed", "err", err)
			}

			return
		}

		util.TraceLog(l, "control request", "op", op, "payload_len", len(payload), "files", len(files))

		completer := &connCompleter{conn: conn, writeMu: writeMu}
		req := &dispatch.Request{
			Op:        op,
			Payload:   payload,
			Completer: completer,
			Files:     files,
		}

		status := d.dispatcher.Dispatch(req)

		// Descriptors no handler claimed must not leak into the daemon.
		for _, fd := range req.Files {
			unix.Close(fd) //nolint:errcheck
		}

		if status != devio.StatusPending {
			if err := completer.Complete(status, nil); err != nil {
				l.Warn("error completing request", "op", op, "err", err)

				return
			}
		}
	}
}

// credentialFor resolves the connecting peer's credentials via SO_PEERCRED.
func (d *Driver) credentialFor(conn *net.UnixConn) (gate.Credential, error) {
	if d.cfg.SkipPrivilegeCheck {
		return permissiveCredential{}, nil
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		ucred   *unix.Ucred
		sockErr error
	)

	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}

	if sockErr != nil {
		return nil, fmt.Errorf("reading SO_PEERCRED: %w", sockErr)
	}

	return peerCredential{pid: int(ucred.Pid)}, nil
}

// peerCredential checks the peer process's effective capability set. This is
// a privilege check against the requesting context, not an identity check.
type peerCredential struct {
	pid int
}

func (p peerCredential) HasDebugPrivilege() (bool, error) {
	return caps.HasCapability(p.pid, caps.CapSysPtrace)
}

// permissiveCredential admits anyone; used with --skip-privilege-check.
type permissiveCredential struct{}

func (permissiveCredential) HasDebugPrivilege() (bool, error) {
	return true, nil
}

// deniedCredential stands in when peer credentials cannot be resolved.
type deniedCredential struct{}

func (deniedCredential) HasDebugPrivilege() (bool, error) {
	return false, nil
}

// readRequest reads one control frame, collecting any descriptors attached
// via SCM_RIGHTS alongside the frame header.
func readRequest(conn *net.UnixConn) (devio.Op, []byte, []int, error) {
	hdr := make([]byte, devio.RequestHeaderSize)
	oob := make([]byte, unix.CmsgSpace(4*maxFilesPerRequest))

	n, oobn, _, _, err := conn.ReadMsgUnix(hdr, oob)
	if err != nil {
		return 0, nil, nil, err
	}

	if n == 0 {
		return 0, nil, nil, io.EOF
	}

	if n < len(hdr) {
		if _, err := io.ReadFull(conn, hdr[n:]); err != nil {
			return 0, nil, nil, fmt.Errorf("reading request header: %w", err)
		}
	}

	op, length, err := devio.ParseRequestHeader(hdr)
	if err != nil {
		return 0, nil, nil, err
	}

	var payload []byte

	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, nil, fmt.Errorf("reading request payload: %w", err)
		}
	}

	var files []int

	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, nil, nil, fmt.Errorf("parsing control messages: %w", err)
		}

		for _, msg := range msgs {
			fds, err := unix.ParseUnixRights(&msg)
			if err != nil {
				continue
			}

			files = append(files, fds...)
		}
	}

	return op, payload, files, nil
}

// connCompleter answers one held or immediate request on the session's
// connection. It completes at most once; the write lock is shared with every
// other writer on the session so completions never interleave mid-frame.
type connCompleter struct {
	conn    *net.UnixConn
	writeMu *sync.Mutex
	done    atomic.Bool
}

func (c *connCompleter) Complete(status devio.Status, payload []byte) error {
	if !c.done.CompareAndSwap(false, true) {
		return fmt.Errorf("request already completed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return devio.WriteResponse(c.conn, status, payload)
}
