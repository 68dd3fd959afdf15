package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Low-level field helpers on top of protowire. Signed integers are zigzag
// encoded so the -1/-2 sentinels stay one byte. Zero scalars are omitted,
// which decodes back to the same zero value.
//
// Byte fields keep nil and empty apart: nil is omitted, an empty non-nil
// slice is written as a zero-length field and decodes as []byte{}. Elements
// of a repeated byte field cannot be omitted, so there an empty element
// decodes as nil.

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	return appendRepeatedBytes(b, num, v)
}

// appendRepeatedBytes always writes the field, even when empty, so element
// positions in a repeated field survive.
func appendRepeatedBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// fieldFunc consumes the value of one field and returns the bytes used.
// Returning 0 with a nil error marks the field as unknown; it is skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseErr(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func parseErr(n int) error {
	return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
}

func wireTypeErr(num protowire.Number, got protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrProtocol, num, got)
}

func consumeSint(num protowire.Number, typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeErr(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseErr(n)
	}
	return protowire.DecodeZigZag(v), n, nil
}

func consumeInt(num protowire.Number, typ protowire.Type, b []byte, dst *int) (int, error) {
	v, n, err := consumeSint(num, typ, b)
	*dst = int(v)
	return n, err
}

func consumeInt64(num protowire.Number, typ protowire.Type, b []byte, dst *int64) (int, error) {
	v, n, err := consumeSint(num, typ, b)
	*dst = v
	return n, err
}

func consumeBool(num protowire.Number, typ protowire.Type, b []byte, dst *bool) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireTypeErr(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, parseErr(n)
	}
	*dst = protowire.DecodeBool(v)
	return n, nil
}

// consumeRaw returns the field bytes aliased into b.
func consumeRaw(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeErr(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseErr(n)
	}
	return v, n, nil
}

// consumeBytes copies the field so decoded messages never alias the
// transport buffer. A present empty field decodes as []byte{}.
func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	v, n, err := consumeRaw(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = append(make([]byte, 0, len(v)), v...)
	return n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeRaw(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}
