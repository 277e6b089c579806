package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTimeout         = errors.New("timeout")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueTimeout    = errors.New("queue timeout")
	ErrPoolClosed      = errors.New("pool closed")
	ErrUpstream        = errors.New("upstream error")
	ErrProtocol        = errors.New("protocol error")
	ErrExhausted       = errors.New("credentials exhausted")
	ErrNoBackend       = errors.New("no backend available")
	ErrInternal        = errors.New("internal error")
)
