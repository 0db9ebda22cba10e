package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec. Model types carry json tags and
// text marshalers for their enums, so persisted rows stay readable with any
// JSON tool.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used for new WAL files and persisted values.
var Default Codec = JSON{}
