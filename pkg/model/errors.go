package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Specific errors below wrap one of these so callers can
// branch with errors.Is on the class.
var (
	ErrValidation       = errors.New("validation error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrSystem           = errors.New("system error")
)

var (
	ErrInvalidRole       = fmt.Errorf("%w: invalid role", ErrValidation)
	ErrUnknownPermission = fmt.Errorf("%w: unknown permission", ErrValidation)
	ErrUserNotFound      = fmt.Errorf("%w: user", ErrNotFound)
	ErrMessageNotFound   = fmt.Errorf("%w: message", ErrNotFound)
)
