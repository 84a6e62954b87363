package util

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// palette matches the cursor colors the editor renders for collaborators.
var palette = []string{
	"#E57373", "#F06292", "#BA68C8", "#9575CD",
	"#7986CB", "#64B5F6", "#4DB6AC", "#81C784",
	"#FFD54F", "#FFB74D", "#FF8A65", "#A1887F",
}

// RandomColor picks a presence color for a participant joining a room.
func RandomColor() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return palette[binary.BigEndian.Uint32(buf[:])%uint32(len(palette))]
}
