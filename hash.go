package notedb

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

type (
	// Blob is an immutable byte sequence stored in an object store.
	Blob []byte

	// Hash is the content address of a blob: its sha256 hash.
	Hash [sha256.Size]byte
)

// Hash computes the content address of a blob.
func (b Blob) Hash() Hash {
	return sha256.Sum256(b)
}

// Zero is the zero value of a Hash.
// As a ref value it means "absent,"
// and as a predecessor it means "none."
var Zero Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero tells whether h is the zero Hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Less tells whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// FromHex parses a hex string into h.
func (h *Hash) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(h[:], []byte(s))
	return err
}

// Scan implements sql.Scanner.
func (h *Hash) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Hash", src)
	}
	if len(b) != sha256.Size {
		return fmt.Errorf("cannot scan %d bytes into Hash", len(b))
	}
	copy(h[:], b)
	return nil
}

// Value implements driver.Valuer.
func (h Hash) Value() (driver.Value, error) {
	return h[:], nil
}

// HashFromBytes copies b into a Hash.
func HashFromBytes(b []byte) Hash {
	var out Hash
	copy(out[:], b)
	return out
}

// HashFromHex parses a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var out Hash
	err := out.FromHex(s)
	return out, err
}
