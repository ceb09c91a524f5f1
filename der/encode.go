// Copyright 2025 Kim Wittenburg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package der

import (
	"bytes"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"time"

	"go.dercodec.dev/asn1"
	"go.dercodec.dev/asn1/internal"
	"go.dercodec.dev/asn1/internal/vlq"
	"go.dercodec.dev/asn1/tlv"
)

// Encoder builds a DER encoding into a single growable buffer. Encoder uses a
// scope stack: [Encoder.Encode] opens a scope for every nested TLV, writes its
// content, and, once the content's length is known, inserts the header octets
// immediately before it. This lets nested values be written in a single
// forward pass without knowing their length up front.
type Encoder struct {
	buf    []byte
	scopes []int
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the bytes written to e so far.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) beginScope() {
	e.scopes = append(e.scopes, len(e.buf))
}

func (e *Encoder) abortScope() {
	start := e.scopes[len(e.scopes)-1]
	e.scopes = e.scopes[:len(e.scopes)-1]
	e.buf = e.buf[:start]
}

func (e *Encoder) closeScope(tag asn1.Tag, constructed bool) {
	start := e.scopes[len(e.scopes)-1]
	e.scopes = e.scopes[:len(e.scopes)-1]
	h := tlv.Header{Tag: tag, Constructed: constructed, Length: len(e.buf) - start}
	trace("encode tag=%s constructed=%v offset=%d len=%d", tag, constructed, start, h.Length)
	header := tlv.AppendHeader(nil, h)
	e.buf = slices.Insert(e.buf, start, header...)
}

func (e *Encoder) write(b []byte) {
	e.buf = append(e.buf, b...)
}

// Encode appends the DER encoding of val to e.
func (e *Encoder) Encode(val any) error {
	return e.EncodeWithParams(val, "")
}

// EncodeWithParams works like Encode but applies params as if they had been
// specified via an `asn1` struct tag.
func (e *Encoder) EncodeWithParams(val any, params string) error {
	fp := internal.ParseFieldParameters(params)
	return encodeValue(e, reflect.ValueOf(val), fp)
}

// Marshal returns the DER encoding of val.
func Marshal(val any) ([]byte, error) {
	return MarshalWithParams(val, "")
}

// MarshalWithParams works like Marshal but applies params as if specified via
// an `asn1` struct tag on val.
func MarshalWithParams(val any, params string) ([]byte, error) {
	e := NewEncoder()
	if err := e.EncodeWithParams(val, params); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

func encodeValue(e *Encoder, v reflect.Value, params internal.FieldParameters) error {
	if params.Nullable {
		if v.Kind() != reflect.Pointer {
			return &UnsupportedTypeError{Type: v.Type()}
		}
		if v.IsNil() {
			e.beginScope()
			e.closeScope(asn1.TagNull, false)
			return nil
		}
		return encodeValue(e, v.Elem(), withoutNullable(params))
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return &UnsupportedTypeError{Type: v.Type()}
		}
		v = v.Elem()
	}

	if params.Explicit && params.Tag != 0 {
		e.beginScope()
		if err := encodeValue(e, v, withoutTagOverride(params)); err != nil {
			e.abortScope()
			return err
		}
		e.closeScope(params.Tag, true)
		return nil
	}

	e.beginScope()
	tag, constructed, err := encodeContent(e, v)
	if err != nil {
		e.abortScope()
		return err
	}
	if params.Tag != 0 {
		tag = params.Tag
	}
	e.closeScope(tag, constructed)
	return nil
}

func encodeContent(e *Encoder, v reflect.Value) (asn1.Tag, bool, error) {
	switch vv := v.Interface().(type) {
	case asn1.Opaque:
		e.write(vv.Bytes)
		return vv.Tag, vv.Constructed, nil
	case asn1.BitString:
		return encodeBitString(e, vv)
	case asn1.Null:
		return asn1.TagNull, false, nil
	case asn1.ObjectIdentifier:
		return encodeOID(e, vv)
	case asn1.UTCTime:
		if !vv.IsValid() {
			return 0, false, &Error{Kind: InvalidDateTime, Type: v.Type(), Err: errorString("year out of UTCTime range")}
		}
		e.write([]byte(vv.String()))
		return asn1.TagUTCTime, false, nil
	case asn1.GeneralizedTime:
		if !vv.IsValid() {
			return 0, false, &Error{Kind: InvalidDateTime, Type: v.Type(), Err: errorString("year out of GeneralizedTime range")}
		}
		e.write([]byte(vv.String()))
		return asn1.TagGeneralizedTime, false, nil
	case time.Time:
		e.write([]byte(asn1.GeneralizedTime(vv).String()))
		return asn1.TagGeneralizedTime, false, nil
	}

	if table, ok := oidTableFor(v.Type()); ok {
		oid, ok2 := table.toOID[v.Int()]
		if !ok2 {
			return 0, false, &Error{Kind: UnknownOid, Type: v.Type(), Err: errUnknownOid}
		}
		return encodeOID(e, oid)
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.write([]byte{0xFF})
		} else {
			e.write([]byte{0x00})
		}
		return asn1.TagBoolean, false, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.write(encodeSigned(v.Int()))
		return enumOrInt(v.Type()), false, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.write(encodeUnsigned(v.Uint()))
		return enumOrInt(v.Type()), false, nil
	case reflect.String:
		tag, _ := stringTagFor(v.Type())
		s := v.String()
		if _, err := validateStringContent(tag, s); err != nil {
			return 0, false, &Error{Kind: NonCanonical, Type: v.Type(), Err: err}
		}
		e.write([]byte(s))
		return tag, false, nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.write(v.Bytes())
			return asn1.TagOctetString, false, nil
		}
		return encodeList(e, v)
	case reflect.Array:
		return encodeList(e, v)
	case reflect.Struct:
		return encodeStruct(e, v)
	}
	return 0, false, &UnsupportedTypeError{Type: v.Type()}
}

func enumOrInt(t reflect.Type) asn1.Tag {
	if t.PkgPath() != "" {
		return asn1.TagEnumerated
	}
	return asn1.TagInteger
}

// encodeSigned returns the minimal two's-complement big-endian DER content
// octets for i.
func encodeSigned(i int64) []byte {
	if i >= -1<<7 && i < 1<<7 {
		return []byte{byte(i)}
	}
	var buf [8]byte
	for n := range buf {
		buf[n] = byte(i >> uint(56-8*n))
	}
	start := 0
	for start < 7 && ((buf[start] == 0x00 && buf[start+1]&0x80 == 0) || (buf[start] == 0xFF && buf[start+1]&0x80 != 0)) {
		start++
	}
	out := make([]byte, 8-start)
	copy(out, buf[start:])
	return out
}

// encodeUnsigned returns the minimal two's-complement big-endian DER content
// octets for the non-negative value u, adding a leading 0x00 pad byte when the
// most significant bit would otherwise be mistaken for a sign bit.
func encodeUnsigned(u uint64) []byte {
	var buf [9]byte
	for n := 1; n < len(buf); n++ {
		buf[n] = byte(u >> uint(64-8*n))
	}
	start := 1
	for start < 8 && buf[start] == 0x00 && buf[start+1]&0x80 == 0 {
		start++
	}
	if buf[start]&0x80 != 0 {
		start--
	}
	out := make([]byte, len(buf)-start)
	copy(out, buf[start:])
	return out
}

func encodeOID(e *Encoder, oid asn1.ObjectIdentifier) (asn1.Tag, bool, error) {
	if len(oid) < 2 {
		return 0, false, &Error{Kind: NonCanonical, Err: errorString("object identifier needs at least two arcs")}
	}
	first := oid[0]*40 + oid[1]
	e.write(appendBase128Arc(first))
	for _, arc := range oid[2:] {
		e.write(appendBase128Arc(arc))
	}
	return asn1.TagOID, false, nil
}

func appendBase128Arc(n uint64) []byte {
	var buf bytes.Buffer
	_, _ = vlq.Write(&buf, n)
	return buf.Bytes()
}

func encodeBitString(e *Encoder, bs asn1.BitString) (asn1.Tag, bool, error) {
	if !bs.IsValid() {
		return 0, false, &Error{Kind: InvalidBitString, Err: errorString("invalid padding")}
	}
	e.write([]byte{byte(bs.Padding)})
	e.write(bs.Bytes)
	return asn1.TagBitString, false, nil
}

func encodeList(e *Encoder, v reflect.Value) (asn1.Tag, bool, error) {
	isSet := isSetType(v.Type())
	var starts []int
	for i := 0; i < v.Len(); i++ {
		starts = append(starts, len(e.buf))
		if err := encodeValue(e, v.Index(i), internal.FieldParameters{}); err != nil {
			return 0, false, err
		}
	}
	if isSet && len(starts) > 1 {
		members := make([][]byte, len(starts))
		for i, start := range starts {
			end := len(e.buf)
			if i+1 < len(starts) {
				end = starts[i+1]
			}
			members[i] = e.buf[start:end]
		}
		sort.SliceStable(members, func(i, j int) bool {
			return bytes.Compare(members[i], members[j]) < 0
		})
		sorted := make([]byte, 0, len(e.buf)-starts[0])
		for _, m := range members {
			sorted = append(sorted, m...)
		}
		copy(e.buf[starts[0]:], sorted)
	}
	tag := asn1.TagSequence
	if isSet {
		tag = asn1.TagSet
	}
	return tag, true, nil
}

func encodeStruct(e *Encoder, v reflect.Value) (asn1.Tag, bool, error) {
	for field, params := range internal.StructFields(v) {
		if field.Type() == internal.ExtensibleType {
			continue
		}
		if params.HasDefault && isDefaultValue(field, params.Default) {
			continue
		}
		if params.OmitZero && field.IsZero() {
			continue
		}
		if params.Optional && field.Kind() == reflect.Pointer && field.IsNil() {
			continue
		}
		if err := encodeValue(e, field, params); err != nil {
			return 0, false, err
		}
	}
	return asn1.TagSequence, true, nil
}

func isDefaultValue(field reflect.Value, raw string) bool {
	switch field.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		return err == nil && field.Bool() == b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		return err == nil && field.Int() == i
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, 64)
		return err == nil && field.Uint() == u
	case reflect.String:
		return field.String() == raw
	}
	return false
}
