// Package codec centralizes metadata encoding for manifests and commit
// registries.
//
// Codec selection is a breaking-change boundary: bytes persisted by one
// codec must stay decodable, so formats store the codec name and only
// byte-compatible codecs may share a name.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}
