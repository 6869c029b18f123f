// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package logsink relays the driver's leveled messages to the connected
// operator. Ordinary records are buffered and published as notification
// events; immediate records bypass the buffer so urgent announcements reach
// the operator even while the session is winding down.
package logsink

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lujiawen/HyperDbg/internal/notify"
)

// Level classifies a relayed record.
type Level uint32

// Record levels.
const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// Record is one relayed message.
type Record struct {
	Level   Level
	Time    time.Time
	Message string
}

// Encode renders the record as a notification event payload:
// level u32 | unix-nanos u64 | message bytes, little endian.
func (r Record) Encode() []byte {
	msg := []byte(r.Message)
	buf := make([]byte, 12+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Level))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.Time.UnixNano()))
	copy(buf[12:], msg)

	return buf
}

// DecodeRecord parses an event payload produced by Encode.
func DecodeRecord(payload []byte) (Record, error) {
	if len(payload) < 12 {
		return Record{}, fmt.Errorf("record payload is %d bytes, need at least 12", len(payload))
	}

	return Record{
		Level:   Level(binary.LittleEndian.Uint32(payload[0:4])),
		Time:    time.Unix(0, int64(binary.LittleEndian.Uint64(payload[4:12]))),
		Message: string(payload[12:]),
	}, nil
}

// Sink accepts leveled messages and an immediate variant. Every record is
// mirrored to the local logger, kept in a bounded ring for operators on the
// signal-object path, and published to the notification registry.
type Sink struct {
	logger   *slog.Logger
	registry *notify.Registry

	mu  sync.Mutex
	buf []Record // bounded; oldest records are dropped first
	cap int
}

// New builds a sink with the given buffer capacity.
func New(logger *slog.Logger, registry *notify.Registry, capacity int) *Sink {
	return &Sink{
		logger:   logger,
		registry: registry,
		cap:      capacity,
	}
}

// Infof relays an informational message.
func (s *Sink) Infof(format string, args ...interface{}) {
	s.emit(LevelInfo, fmt.Sprintf(format, args...), false)
}

// Warningf relays a warning.
func (s *Sink) Warningf(format string, args ...interface{}) {
	s.emit(LevelWarning, fmt.Sprintf(format, args...), false)
}

// Errorf relays an error.
func (s *Sink) Errorf(format string, args ...interface{}) {
	s.emit(LevelError, fmt.Sprintf(format, args...), false)
}

// InfoImmediatef relays an urgent message. Immediate records skip the ring
// buffer: they exist to announce state changes such as the end of service.
func (s *Sink) InfoImmediatef(format string, args ...interface{}) {
	s.emit(LevelInfo, fmt.Sprintf(format, args...), true)
}

func (s *Sink) emit(level Level, msg string, immediate bool) {
	rec := Record{Level: level, Time: time.Now(), Message: msg}

	switch level {
	case LevelWarning:
		s.logger.Warn(msg)
	case LevelError:
		s.logger.Error(msg)
	default:
		s.logger.Info(msg)
	}

	if !immediate {
		s.mu.Lock()

		if len(s.buf) == s.cap && s.cap > 0 {
			copy(s.buf, s.buf[1:])
			s.buf = s.buf[:len(s.buf)-1]
		}

		if s.cap > 0 {
			s.buf = append(s.buf, rec)
		}

		s.mu.Unlock()
	}

	s.registry.Publish(rec.Encode())
}

// ReadBuffered drains and returns the buffered records. Operators on the
// signal-object path use this as the side channel the signal points at.
func (s *Sink) ReadBuffered() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.buf
	s.buf = nil

	return out
}
