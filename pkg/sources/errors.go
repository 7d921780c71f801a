package sources

import (
	"errors"

	"github.com/kerbaras/mangashelf/pkg/utils"
)

var (
	// ErrTransport wraps connection failures, timeouts and throttled or
	// failing upstream responses. Callers may retry.
	ErrTransport = utils.ErrTransport

	// ErrParse is returned when a response cannot be mapped to the model.
	ErrParse = errors.New("parse error")
)
