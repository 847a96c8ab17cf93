package model

import (
	"errors"
)

var (
	ErrUnknownSequence = errors.New("unknown sequence")
	ErrUnknownStep     = errors.New("unknown step")
)
