package command

import "errors"

var (
	ErrUnknownCommand    = errors.New("command: unknown command")
	ErrMissingParameters = errors.New("command: not enough parameters")
	ErrAccessDenied      = errors.New("command: access denied")
	ErrNotRegistered     = errors.New("command: not registered")
	ErrHandlerFailure    = errors.New("command: handler failure")

	ErrDescriptorExists  = errors.New("command: descriptor already registered")
	ErrInvalidDescriptor = errors.New("command: invalid descriptor")
	ErrTableSealed       = errors.New("command: table already built")
)
