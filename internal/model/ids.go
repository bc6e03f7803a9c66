package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const tempIDPrefix = "tmp_"

var entityIDPrefixes = map[EntityType]string{
	EntityNote:   "nt_",
	EntityTask:   "tk_",
	EntityFolder: "fd_",
}

func NewOpID() string {
	return "op_" + strings.ToLower(ulid.Make().String())
}

// NewTempID returns a client-side placeholder id. Temp ids never collide
// with server ids because of the prefix.
func NewTempID() string {
	return tempIDPrefix + strings.ToLower(ulid.Make().String())
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func NewIdempotencyKey() string {
	return ulid.Make().String()
}

func NewEntityID(t EntityType) string {
	prefix, ok := entityIDPrefixes[t]
	if !ok {
		prefix = "en_"
	}
	return prefix + strings.ToLower(ulid.Make().String())
}

// EntityTypeOfID recovers the entity type from a server id prefix.
func EntityTypeOfID(id string) (EntityType, bool) {
	for t, prefix := range entityIDPrefixes {
		if strings.HasPrefix(id, prefix) {
			return t, true
		}
	}
	return "", false
}
