package carto

import (
	"fmt"
	"time"
)

var (
	ErrTimeout       = fmt.Errorf("request timed out")
	ErrOffline       = fmt.Errorf("not connected")
	ErrProtocol      = fmt.Errorf("protocol error")
	ErrStorage       = fmt.Errorf("storage error")
	ErrChannelClosed = fmt.Errorf("request channel closed")
	ErrUnsupported   = fmt.Errorf("unsupported operation")
)

type (
	// TimeoutError is returned when no response arrives within the request budget.
	TimeoutError struct {
		RequestID int64
		Type      Operation
		After     time.Duration
	}

	// RemoteError carries the message of an error raised by the host-side operation.
	RemoteError struct {
		RequestID int64
		Type      Operation
		Message   string
	}

	// OfflineError is returned when a write is attempted while the connection
	// state is anything other than CONNECTED.
	OfflineError struct {
		Type  Operation
		Table string
		State State
	}

	StorageError struct {
		Op  string
		Key string
		Err error
	}

	ProtocolError struct {
		Reason string
		Err    error
	}
)

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %d: no response after %s", e.Type, e.RequestID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s request %d: %s", e.Type, e.RequestID, e.Message)
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("%s on %q refused: connection state is %s", e.Type, e.Table, e.State)
}

func (e *OfflineError) Is(target error) bool { return target == ErrOffline }

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
