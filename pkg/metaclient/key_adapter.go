package metaclient

import (
	"encoding/hex"
	"path"
	"strings"
)

// KeyAdapter maps logical ids into meta store keys under a fixed prefix.
type KeyAdapter struct {
	prefix string
}

// NewKeyAdapter creates a KeyAdapter. Path elements are joined with "/".
func NewKeyAdapter(elems ...string) KeyAdapter {
	return KeyAdapter{prefix: path.Join(elems...)}
}

// Encode returns the key for id. The id is hex-encoded so that it can
// contain any byte, including the separator.
func (a KeyAdapter) Encode(id string) string {
	return a.prefix + "/" + hex.EncodeToString([]byte(id))
}

// Decode is the inverse of Encode.
func (a KeyAdapter) Decode(key string) (string, bool) {
	if !strings.HasPrefix(key, a.prefix+"/") {
		return "", false
	}
	raw, err := hex.DecodeString(key[len(a.prefix)+1:])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Prefix returns the prefix covering every key produced by Encode.
func (a KeyAdapter) Prefix() string {
	return a.prefix + "/"
}
