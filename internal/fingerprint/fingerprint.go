// Package fingerprint defines the identity of "one node's output for one key
// under one exact pipeline definition".
//
// A Fingerprint is a 32-byte blake3 digest over a canonical, length-prefixed
// encoding of its inputs. It is a plain comparable value and can be used
// directly as a map key. The hex form is what the disk tier uses as the
// object name, so the encoding below is a persistent format: changing it
// orphans every existing cache entry.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of a Fingerprint in bytes.
const Size = 32

const nodeTag = "keygraph/fp/v1"

// Fingerprint is a fixed-size content hash.
type Fingerprint [Size]byte

// Zero is the unset Fingerprint.
var Zero Fingerprint

// String returns the lowercase hex encoding.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns an abbreviated hex form suitable for log lines.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:6])
}

// IsZero reports whether f is the unset Fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Zero
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse decodes a hex-encoded Fingerprint.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != Size*2 {
		return f, fmt.Errorf("invalid fingerprint %q: want %d hex characters, got %d", s, Size*2, len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return f, nil
}

// Builder accumulates an order-sensitive, length-prefixed byte encoding and
// hashes it. Every written component is prefixed with its length so that
// adjacent components can never be re-split into an equal stream.
type Builder struct {
	h   *blake3.Hasher
	buf [binary.MaxVarintLen64]byte
}

// NewBuilder starts a digest domain-separated by tag.
func NewBuilder(tag string) *Builder {
	b := &Builder{h: blake3.New()}
	return b.String(tag)
}

// Bytes writes a length-prefixed byte slice.
func (b *Builder) Bytes(p []byte) *Builder {
	b.Uint(uint64(len(p)))
	_, _ = b.h.Write(p)
	return b
}

// String writes a length-prefixed string.
func (b *Builder) String(s string) *Builder {
	return b.Bytes([]byte(s))
}

// Uint writes an unsigned varint.
func (b *Builder) Uint(v uint64) *Builder {
	n := binary.PutUvarint(b.buf[:], v)
	_, _ = b.h.Write(b.buf[:n])
	return b
}

// Fingerprint writes another fingerprint verbatim; its size is fixed.
func (b *Builder) Fingerprint(f Fingerprint) *Builder {
	_, _ = b.h.Write(f[:])
	return b
}

// Sum returns the digest of everything written so far.
func (b *Builder) Sum() Fingerprint {
	var f Fingerprint
	copy(f[:], b.h.Sum(nil))
	return f
}

// Derive combines a node's logic identity with the fingerprints of its
// inputs, in order. The key is mixed in only for leaf nodes: everything
// downstream inherits key sensitivity through its inputs.
func Derive(identity Fingerprint, deps []Fingerprint, leaf bool, key string) Fingerprint {
	b := NewBuilder(nodeTag).Fingerprint(identity).Uint(uint64(len(deps)))
	for _, d := range deps {
		b.Fingerprint(d)
	}
	if leaf {
		b.Uint(1).String(key)
	} else {
		b.Uint(0)
	}
	return b.Sum()
}
