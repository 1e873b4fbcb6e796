package disk

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/vk/keygraph/internal/serializer"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// EnvelopeVersion is the current on-disk format.
const EnvelopeVersion = 1

// Envelope is the single object stored per fingerprint. The payload and its
// bookkeeping travel together so that publishing one blob is atomic.
type Envelope struct {
	Version     int               `msgpack:"v"`
	Fingerprint string            `msgpack:"fp"`
	Field       string            `msgpack:"field"`
	Key         string            `msgpack:"key,omitempty"`
	Serializer  string            `msgpack:"ser"`
	Type        []byte            `msgpack:"type"`
	Checksum    uint64            `msgpack:"sum"`
	Size        int64             `msgpack:"size"`
	CreatedAt   time.Time         `msgpack:"created"`
	Metadata    map[string]string `msgpack:"meta,omitempty"`
	Payload     []byte            `msgpack:"payload"`
}

// Seal serializes rec into an envelope.
func Seal(rec cache.Record, ser serializer.Serializer, createdAt time.Time, metadata map[string]string) (*Envelope, error) {
	payload, err := ser.Marshal(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("serializing field %q with %s: %w", rec.Field, ser.Name(), err)
	}
	ty, err := ctyjson.MarshalType(rec.Value.Type())
	if err != nil {
		return nil, fmt.Errorf("encoding type of field %q: %w", rec.Field, err)
	}
	return &Envelope{
		Version:     EnvelopeVersion,
		Fingerprint: rec.Fingerprint.String(),
		Field:       rec.Field,
		Key:         rec.Key,
		Serializer:  ser.Name(),
		Type:        ty,
		Checksum:    xxhash.Sum64(payload),
		Size:        int64(len(payload)),
		CreatedAt:   createdAt.UTC(),
		Metadata:    metadata,
		Payload:     payload,
	}, nil
}

// Encode returns the stored bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// Decode parses stored bytes. Any failure is a CorruptionError for fp.
func Decode(fp fingerprint.Fingerprint, data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, &cache.CorruptionError{Fingerprint: fp, Reason: fmt.Sprintf("unreadable envelope: %s", err)}
	}
	return &e, nil
}

// Open checks the envelope against the fingerprint it was fetched under and
// decodes the value. With verify set, the checksum, size and structural
// signature are checked as well.
func (e *Envelope) Open(fp fingerprint.Fingerprint, verify bool) (cty.Value, error) {
	corrupt := func(format string, args ...any) (cty.Value, error) {
		return cty.NilVal, &cache.CorruptionError{Fingerprint: fp, Reason: fmt.Sprintf(format, args...)}
	}

	if e.Version != EnvelopeVersion {
		return corrupt("unsupported envelope version %d", e.Version)
	}
	if e.Fingerprint != fp.String() {
		return corrupt("entry records fingerprint %s", e.Fingerprint)
	}
	ser, err := serializer.Parse(e.Serializer)
	if err != nil {
		return corrupt("%s", err)
	}
	if verify {
		if int64(len(e.Payload)) != e.Size {
			return corrupt("payload is %d bytes, recorded %d", len(e.Payload), e.Size)
		}
		if sum := xxhash.Sum64(e.Payload); sum != e.Checksum {
			return corrupt("checksum %016x does not match recorded %016x", sum, e.Checksum)
		}
	}
	ty, err := ctyjson.UnmarshalType(e.Type)
	if err != nil {
		return corrupt("unreadable type signature: %s", err)
	}
	v, err := ser.Unmarshal(e.Payload, ty)
	if err != nil {
		return corrupt("payload does not decode as %s: %s", ty.FriendlyName(), err)
	}
	if verify && !v.Type().Equals(ty) {
		return corrupt("decoded %s, recorded %s", v.Type().FriendlyName(), ty.FriendlyName())
	}
	return v, nil
}

// Entry summarizes the envelope for maintenance tooling.
func (e *Envelope) Entry(fp fingerprint.Fingerprint) cache.Entry {
	return cache.Entry{
		Fingerprint: fp,
		Field:       e.Field,
		Serializer:  e.Serializer,
		Size:        e.Size,
		CreatedAt:   e.CreatedAt,
	}
}
