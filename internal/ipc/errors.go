package ipc

import (
	"errors"
	"fmt"
)

// Configuration errors. They surface from Start and CreateServer before any
// connection exists and are never retried.
var (
	ErrConfig          = errors.New("ipc: configuration error")
	ErrUnsupportedType = fmt.Errorf("%w: unsupported transport type", ErrConfig)
	ErrUnknownEndpoint = fmt.Errorf("%w: unknown endpoint", ErrConfig)
	ErrInvalidName     = fmt.Errorf("%w: invalid server name", ErrConfig)
	ErrInvalidLimits   = fmt.Errorf("%w: invalid message limits", ErrConfig)
)

// ErrProtocol is fatal to the connection that produced it only.
var ErrProtocol = errors.New("ipc: protocol violation")

// ErrMessageTooLarge is returned by EnqueueForWriting; the queue is left untouched.
var ErrMessageTooLarge = errors.New("ipc: message too large")

// ErrChannelClosed is returned for I/O on a channel that has been closed.
var ErrChannelClosed = errors.New("ipc: channel closed")

// Lifecycle misuse. These are programming errors on the caller's side.
var (
	ErrNoPendingWrites = errors.New("ipc: write called with an empty queue")
	ErrServerExists    = errors.New("ipc: server already exists")
	ErrServerNotFound  = errors.New("ipc: server does not exist")
	ErrNotStarted      = errors.New("ipc: transport not started")
	ErrAlreadyStarted  = errors.New("ipc: transport already started")
)

// ErrSelectorClosed is returned by Select and Register after Close.
var ErrSelectorClosed = errors.New("ipc: selector closed")

// ErrExecutorStopped is returned by Submit after the executor was stopped.
var ErrExecutorStopped = errors.New("ipc: executor stopped")
