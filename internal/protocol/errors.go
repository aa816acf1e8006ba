package protocol

import "errors"

// ErrMissingType is returned by Parse for JSON objects without a type field.
var ErrMissingType = errors.New("message type is missing")
