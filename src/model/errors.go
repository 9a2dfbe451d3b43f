package model

import "errors"

// Error kinds surfaced by the core and mapped to HTTP status / WS close
// reasons at the transport layer (see src/handler).
var (
	ErrNameTaken        = errors.New("name already taken")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBadRequest       = errors.New("bad request")
	ErrExecutorOffline  = errors.New("executor offline")
	ErrDisconnected     = errors.New("disconnected")
	ErrTimeout          = errors.New("timeout")
	ErrSpawnFailed      = errors.New("spawn failed")
	ErrProtocol         = errors.New("protocol error")
)
