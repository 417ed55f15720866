package notedb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// EntityRefPrefix is the prefix of every entity ref name.
	EntityRefPrefix = "refs/entities/"

	// SchemaVersionRef names the ref holding the schema version record.
	SchemaVersionRef = "refs/meta/schema-version"

	// SequenceRefPrefix is the prefix of id-sequence refs.
	SequenceRefPrefix = "refs/sequences/"
)

// Key identifies an entity.
// Its string form is "<type>/<id>", e.g. "change/42".
type Key struct {
	Type, ID string
}

// ParseKey parses the string form of a Key.
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("malformed key %q: want <type>/<id>", s)
	}
	k := Key{Type: typ, ID: id}
	return k, k.Validate()
}

// Validate checks that k's type and id are usable as ref-name segments:
// nonempty, not "." or "..", and free of slashes, spaces, and control characters.
// Only valid keys round-trip through RefName and KeyFromRefName.
func (k Key) Validate() error {
	if !validSegment(k.Type) {
		return fmt.Errorf("invalid key type %q", k.Type)
	}
	if !validSegment(k.ID) {
		return fmt.Errorf("invalid key id %q", k.ID)
	}
	return nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, c := range s {
		if c == '/' || c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Shard is the last two hex digits of the sha256 hash of the key's id.
// It keeps any one directory of refs bounded in size.
func (k Key) Shard() string {
	h := sha256.Sum256([]byte(k.ID))
	return hex.EncodeToString(h[len(h)-1:])
}

// RefName is the name of the ref holding the head of k's revision chain:
// refs/entities/<type>/<shard>/<id>.
func (k Key) RefName() string {
	return EntityRefPrefix + k.Type + "/" + k.Shard() + "/" + k.ID
}

// TypeRefPrefix is the ref-name prefix of all entities of the given type.
func TypeRefPrefix(typ string) string {
	return EntityRefPrefix + typ + "/"
}

// KeyFromRefName is the inverse of Key.RefName.
func KeyFromRefName(name string) (Key, error) {
	rest := strings.TrimPrefix(name, EntityRefPrefix)
	if rest == name {
		return Key{}, fmt.Errorf("ref %s is not an entity ref", name)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed entity ref %s", name)
	}
	k := Key{Type: parts[0], ID: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	if k.Shard() != parts[1] {
		return Key{}, fmt.Errorf("entity ref %s has wrong shard (want %s)", name, k.Shard())
	}
	return k, nil
}
