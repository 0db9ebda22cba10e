// Package codec centralizes the encoding of persisted values and WAL
// payloads.
//
// Codec selection is a compatibility boundary: the WAL header records the
// codec name and a log written with one codec cannot be replayed with
// another.
package codec

import (
	"fmt"

	"github.com/hupe1980/strata/model"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Encode marshals v with c, or Default when c is nil.
func Encode[T any](c Codec, v T) ([]byte, error) {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s: marshal %T: %w", c.Name(), v, err)
	}
	return b, nil
}

// Decode unmarshals data into a new T. Undecodable bytes are persisted
// state gone bad and are reported as corruption.
func Decode[T any](c Codec, data []byte) (T, error) {
	if c == nil {
		c = Default
	}
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("codec %s: decode %T", c.Name(), v), Err: err}
	}
	return v, nil
}
