//go:build !gojson

package codec

// Default is the codec used for newly written metadata. Builds with the
// gojson tag swap in the goccy implementation; both produce the same
// bytes.
var Default Codec = JSON{}
