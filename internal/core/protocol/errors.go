package protocol

import "errors"

var (
	ErrInvalidUTF8 = errors.New("input is not valid utf-8")
	ErrInvalidJSON = errors.New("input is not valid json")
	ErrMalformed   = errors.New("malformed command")
)

// Failure reasons sent to clients.
const (
	ReasonInvalidUTF8 = "Could not decode input as UTF-8"
	ReasonInvalidJSON = "Could not parse json"
	ReasonMalformed   = "Malformed json message"
	ReasonInternal    = "Internal exception"
)

// Reason maps a Decode error to the reason string of its failure reply.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		return ReasonInvalidUTF8
	case errors.Is(err, ErrInvalidJSON):
		return ReasonInvalidJSON
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	default:
		return ReasonInternal
	}
}
