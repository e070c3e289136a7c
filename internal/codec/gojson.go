//go:build gojson

package codec

import gojson "github.com/goccy/go-json"

// GoJSON is a JSON codec backed by github.com/goccy/go-json. It emits
// the same bytes as [JSON] and shares its on-disk name.
type GoJSON struct{}

// Marshal encodes the value to JSON.
func (GoJSON) Marshal(v any) ([]byte, error) { return gojson.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }

// Name returns the stable codec name shared with [JSON].
func (GoJSON) Name() string { return "json" }

// Default is the codec used for newly written metadata.
var Default Codec = GoJSON{}
