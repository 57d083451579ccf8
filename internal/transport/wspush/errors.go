package wspush

import "errors"

var (
	ErrClientClosed     = errors.New("push client is closed")
	ErrAlreadyConnected = errors.New("push client is already connected")
	ErrInvalidConfig    = errors.New("invalid push client configuration")
	ErrReconnectFailed  = errors.New("push reconnection failed")
)
