package serializer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zclconf/go-cty/cty"
)

// Codec compresses serialized payloads.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

var codecs = map[string]Codec{
	"zstd": &zstdCodec{},
	"gzip": gzipCodec{},
}

type compressed struct {
	inner Serializer
	codec Codec
}

// Compressed wraps inner so that its output passes through codec.
func Compressed(inner Serializer, codec Codec) Serializer {
	return &compressed{inner: inner, codec: codec}
}

func (c *compressed) Name() string { return c.inner.Name() + "+" + c.codec.Name() }

func (c *compressed) Marshal(v cty.Value) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.codec.Encode(raw)
}

func (c *compressed) Unmarshal(data []byte, ty cty.Type) (cty.Value, error) {
	raw, err := c.codec.Decode(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("%s: %w", c.codec.Name(), err)
	}
	return c.inner.Unmarshal(raw, ty)
}

// zstdCodec shares one encoder and one decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (z *zstdCodec) init() error {
	z.once.Do(func() {
		if z.enc, z.err = zstd.NewWriter(nil); z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil)
	})
	return z.err
}

func (z *zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Encode(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCodec) Decode(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.dec.DecodeAll(src, nil)
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
