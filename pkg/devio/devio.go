// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package devio defines the wire contract of the hypervisor control device:
// framed control requests keyed by an operation code, and the status codes
// the driver answers with. Both the daemon and the one-shot client speak it.
package devio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic guards every request frame against stray writers on the socket.
const Magic uint32 = 0x56444247

// MaxPayload bounds a single control frame. Control payloads are tiny; the
// limit only protects the daemon from a misbehaving client.
const MaxPayload = 1 << 20

// Op is a control operation code.
type Op uint32

// Control operation codes served by the dispatcher.
const (
	OpRegisterNotification Op = 0x80000001
	OpDisableService       Op = 0x80000002
	OpTerminateEngine      Op = 0x80000003
)

func (o Op) String() string {
	switch o {
	case OpRegisterNotification:
		return "register-notification"
	case OpDisableService:
		return "disable-service"
	case OpTerminateEngine:
		return "terminate-engine"
	default:
		return fmt.Sprintf("op(0x%08x)", uint32(o))
	}
}

// Status is the driver's answer to a control request.
type Status uint32

// Statuses, one per outcome the control surface can produce.
const (
	StatusSuccess Status = iota
	StatusPending
	StatusUnsuccessful
	StatusAccessDenied
	StatusAlreadyConnected
	StatusEngineInitFailed
	StatusDebuggerInitFailed
	StatusInvalidParameter
	StatusNotImplemented
	StatusAllocationFailure
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusSuccess:            "success",
	StatusPending:            "pending",
	StatusUnsuccessful:       "unsuccessful",
	StatusAccessDenied:       "access-denied",
	StatusAlreadyConnected:   "already-connected",
	StatusEngineInitFailed:   "engine-init-failed",
	StatusDebuggerInitFailed: "debugger-init-failed",
	StatusInvalidParameter:   "invalid-parameter",
	StatusNotImplemented:     "not-implemented",
	StatusAllocationFailure:  "allocation-failure",
	StatusCancelled:          "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(0x%08x)", uint32(s))
}

// StatusError carries a non-success status across an error return.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device returned %s", e.Status)
}

// NotifyKind discriminates the two notification delivery mechanisms.
type NotifyKind uint32

// Notification delivery kinds.
const (
	NotifyHeldRequest  NotifyKind = 1
	NotifySignalObject NotifyKind = 2
)

// NotifyRegistrationSize is the minimum RegisterNotification payload length.
const NotifyRegistrationSize = 16

// NotifyRegistration is the RegisterNotification payload.
type NotifyRegistration struct {
	Kind     uint32
	Flags    uint32
	Reserved uint64
}

// EncodeNotifyRegistration renders a registration payload for the wire.
func EncodeNotifyRegistration(kind NotifyKind) []byte {
	buf := make([]byte, NotifyRegistrationSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(kind))

	return buf
}

// DecodeNotifyRegistration parses a registration payload.
func DecodeNotifyRegistration(payload []byte) (NotifyRegistration, error) {
	var reg NotifyRegistration

	if len(payload) < NotifyRegistrationSize {
		return reg, fmt.Errorf("registration payload is %d bytes, need at least %d", len(payload), NotifyRegistrationSize)
	}

	reg.Kind = binary.LittleEndian.Uint32(payload[0:4])
	reg.Flags = binary.LittleEndian.Uint32(payload[4:8])
	reg.Reserved = binary.LittleEndian.Uint64(payload[8:16])

	return reg, nil
}

// requestHeader precedes every control request payload on the wire.
type requestHeader struct {
	Magic  uint32
	Op     uint32
	Length uint32
}

// responseHeader precedes every completion payload on the wire.
type responseHeader struct {
	Status uint32
	Length uint32
}

// RequestHeaderSize is the fixed size of an encoded request header.
const RequestHeaderSize = 12

// ResponseHeaderSize is the fixed size of an encoded response header.
const ResponseHeaderSize = 8

// ErrBadMagic reports a request frame that did not start with Magic.
var ErrBadMagic = errors.New("request frame has bad magic")

// ErrFrameTooLarge reports a frame whose declared payload exceeds MaxPayload.
var ErrFrameTooLarge = errors.New("frame payload exceeds limit")

// EncodeRequest renders one request frame (header plus payload).
func EncodeRequest(op Op, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, RequestHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(op))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(payload)))
	copy(frame[RequestHeaderSize:], payload)

	return frame, nil
}

// ParseRequestHeader decodes and validates an encoded request header.
func ParseRequestHeader(buf []byte) (Op, int, error) {
	if len(buf) < RequestHeaderSize {
		return 0, 0, fmt.Errorf("short request header: %d bytes", len(buf))
	}

	hdr := requestHeader{
		Magic:  binary.LittleEndian.Uint32(buf[0:4]),
		Op:     binary.LittleEndian.Uint32(buf[4:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
	}

	if hdr.Magic != Magic {
		return 0, 0, ErrBadMagic
	}

	if hdr.Length > MaxPayload {
		return 0, 0, ErrFrameTooLarge
	}

	return Op(hdr.Op), int(hdr.Length), nil
}

// WriteResponse writes one completion frame.
func WriteResponse(w io.Writer, status Status, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrFrameTooLarge
	}

	frame := make([]byte, ResponseHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(status))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[ResponseHeaderSize:], payload)

	_, err := w.Write(frame)

	return err
}

// ReadResponse reads one completion frame.
func ReadResponse(r io.Reader) (Status, []byte, error) {
	buf := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	hdr := responseHeader{
		Status: binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}

	if hdr.Length > MaxPayload {
		return 0, nil, ErrFrameTooLarge
	}

	var payload []byte

	if hdr.Length > 0 {
		payload = make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}

	return Status(hdr.Status), payload, nil
}
