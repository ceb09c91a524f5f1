// Copyright 2025 Kim Wittenburg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package der

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"time"

	"go.dercodec.dev/asn1"
	"go.dercodec.dev/asn1/internal"
	"go.dercodec.dev/asn1/internal/vlq"
	"go.dercodec.dev/asn1/tlv"
)

// element is a single decoded TLV: its header plus the sub-slice of the
// original buffer holding its content octets. The content slice is always a
// verified sub-slice of the buffer passed to [NewDecoder]; it is never copied.
type element struct {
	Header  tlv.Header
	Content []byte
	Offset  int // offset of the header within the original buffer
}

// Decoder decodes DER-encoded ASN.1 values from a byte slice. A Decoder holds
// only a reference to the input buffer and a read cursor; it performs no
// allocations of its own beyond what reflection requires to populate the
// destination value.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder that reads from buf. The Decoder retains buf;
// the caller must not modify it while decoding is in progress, and any
// []byte, [asn1.Opaque], or string field populated by Decode may alias buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Len returns the number of unconsumed bytes remaining in the decoder.
func (d *Decoder) Len() int { return len(d.buf) - d.pos }

// peek reads and validates the next top-level element starting at d.pos,
// without advancing d.pos.
func (d *Decoder) peek() (element, error) {
	return decodeElementAt(d.buf, d.pos)
}

func decodeElementAt(buf []byte, pos int) (element, error) {
	h, n, err := tlv.DecodeHeader(buf[pos:])
	if err != nil {
		kind := InvalidTag
		if se, ok := asSyntaxError(err); ok {
			switch se.Err {
			case tlv.ErrTruncated:
				kind = EndOfStream
			case tlv.ErrIndefiniteLength, tlv.ErrNonMinimalLength, tlv.ErrLengthOverflow:
				kind = InvalidLength
			}
		}
		return element{}, &Error{Kind: kind, Offset: pos, Err: err}
	}
	start := pos + n
	if h.Length < 0 || h.Length > len(buf)-start {
		return element{}, &Error{Kind: InvalidLength, Offset: start, Tag: h.Tag, Err: tlv.ErrTruncated}
	}
	el := element{Header: h, Content: buf[start : start+h.Length], Offset: pos}
	traceElement("decode", el)
	return el, nil
}

func asSyntaxError(err error) (*tlv.SyntaxError, bool) {
	se, ok := err.(*tlv.SyntaxError)
	return se, ok
}

// Decode reads the next DER value from d and stores it in val, which must be
// a non-nil pointer.
func (d *Decoder) Decode(val any) error {
	return d.DecodeWithParams(val, "")
}

// DecodeWithParams works like Decode but applies the struct tag parameters
// given by params, as if they had been specified via an `asn1` struct tag.
func (d *Decoder) DecodeWithParams(val any, params string) error {
	v := reflect.ValueOf(val)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return &InvalidDecodeError{Type: reflect.TypeOf(val)}
	}
	el, err := d.peek()
	if err != nil {
		return err
	}
	fp := internal.ParseFieldParameters(params)
	if err := decodeValue(el, v.Elem(), fp); err != nil {
		return err
	}
	d.pos = el.Offset + tlv.HeaderLen(el.Header) + el.Header.Length
	return nil
}

// Unmarshal parses the DER-encoded data in buf and stores the result in val,
// which must be a non-nil pointer. Unmarshal requires the whole of buf to be
// consumed by exactly one value.
func Unmarshal(buf []byte, val any) error {
	return UnmarshalWithParams(buf, val, "")
}

// UnmarshalWithParams works like Unmarshal but applies params as if specified
// via an `asn1` struct tag on val.
func UnmarshalWithParams(buf []byte, val any, params string) error {
	d := NewDecoder(buf)
	if err := d.DecodeWithParams(val, params); err != nil {
		return err
	}
	if d.Len() != 0 {
		return &Error{Kind: UnexpectedElement, Offset: d.pos, Err: errTrailingData}
	}
	return nil
}

var errTrailingData = errorString("trailing data after top-level value")

type errorString string

func (e errorString) Error() string { return string(e) }

// decodeValue decodes el into v, applying the semantics implied by params
// (optional/explicit/implicit overrides, default substitution, nullability).
func decodeValue(el element, v reflect.Value, params internal.FieldParameters) error {
	tag := el.Header.Tag

	if params.Nullable {
		if v.Kind() != reflect.Pointer {
			return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: tag, Type: v.Type(), Err: errNullableNotPointer}
		}
		if tag == asn1.TagNull {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return decodeValue(el, v.Elem(), withoutNullable(params))
	}

	if params.Tag != 0 {
		want := params.Tag
		if params.Explicit {
			if tag != want {
				return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: tag, Type: v.Type(), Err: errTagMismatch}
			}
			inner, err := decodeElementAt(el.Content, 0)
			if err != nil {
				return err
			}
			if inner.Offset+tlv.HeaderLen(inner.Header)+inner.Header.Length != len(el.Content) {
				return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: tag, Err: errTrailingData}
			}
			return decodeValue(inner, v, withoutTagOverride(params))
		}
		if tag != want {
			return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: tag, Type: v.Type(), Err: errTagMismatch}
		}
	}

	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	if params.Tag != 0 {
		// The wire tag has already been checked against the override above;
		// dispatch below decides how to decode the content based on the
		// field's natural (implicit) tag instead.
		if natural, ok := expectedTag(v); ok {
			el.Header.Tag = natural
			tag = natural
		}
	}

	if v.Kind() == reflect.Interface && v.NumMethod() == 0 {
		return decodeAny(el, v)
	}

	switch vv := v.Addr().Interface().(type) {
	case *asn1.Opaque:
		*vv = asn1.Opaque{Tag: tag, Constructed: el.Header.Constructed, Bytes: el.Content}
		return nil
	case *asn1.BitString:
		bs, err := decodeBitString(el)
		if err != nil {
			return err
		}
		*vv = bs
		return nil
	case *asn1.Null:
		if tag != asn1.TagNull {
			return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: tag, Err: errTagMismatch}
		}
		*vv = asn1.Null{}
		return nil
	case *asn1.ObjectIdentifier:
		oid, err := decodeOID(el)
		if err != nil {
			return err
		}
		*vv = oid
		return nil
	case *asn1.UTCTime:
		t, err := decodeTime(el, asn1.TagUTCTime)
		if err != nil {
			return err
		}
		*vv = asn1.UTCTime(t)
		return nil
	case *asn1.GeneralizedTime:
		t, err := decodeTime(el, asn1.TagGeneralizedTime)
		if err != nil {
			return err
		}
		*vv = asn1.GeneralizedTime(t)
		return nil
	case *time.Time:
		t, err := decodeTime(el, tag)
		if err != nil {
			return err
		}
		*vv = t
		return nil
	}

	if table, ok := oidTableFor(v.Type()); ok {
		oid, err := decodeOID(el)
		if err != nil {
			return err
		}
		i, ok := table.fromOID(oid)
		if !ok {
			return &Error{Kind: UnknownOid, Offset: el.Offset, Tag: tag, Type: v.Type(), Err: errUnknownOid}
		}
		v.SetInt(i)
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := decodeBool(el)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := decodeInt(el, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := decodeUint(el, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(u)
		return nil
	case reflect.String:
		s, err := decodeString(el, v.Type())
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if tag != asn1.TagOctetString {
				return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: tag, Err: errTagMismatch}
			}
			b := make([]byte, len(el.Content))
			copy(b, el.Content)
			v.SetBytes(b)
			return nil
		}
		return decodeList(el, v, params)
	case reflect.Array:
		return decodeList(el, v, params)
	case reflect.Struct:
		return decodeStruct(el, v)
	}
	return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: tag, Type: v.Type(), Err: errUnsupported}
}

func withoutNullable(p internal.FieldParameters) internal.FieldParameters {
	p.Nullable = false
	return p
}

func withoutTagOverride(p internal.FieldParameters) internal.FieldParameters {
	p.Tag = 0
	p.Explicit = false
	return p
}

func decodeAny(el element, v reflect.Value) error {
	switch el.Header.Tag {
	case asn1.TagBoolean:
		b, err := decodeBool(el)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(b))
	case asn1.TagInteger:
		i, err := decodeInt(el, 64)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(int(i)))
	case asn1.TagNull:
		v.Set(reflect.ValueOf(asn1.Null{}))
	case asn1.TagOID:
		oid, err := decodeOID(el)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(oid))
	case asn1.TagOctetString:
		b := make([]byte, len(el.Content))
		copy(b, el.Content)
		v.Set(reflect.ValueOf(b))
	case asn1.TagBitString:
		bs, err := decodeBitString(el)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(bs))
	default:
		v.Set(reflect.ValueOf(asn1.Opaque{Tag: el.Header.Tag, Constructed: el.Header.Constructed, Bytes: el.Content}))
	}
	return nil
}

var (
	errTagMismatch        = errorString("tag does not match schema")
	errUnsupported        = errorString("no decoder for this Go type")
	errUnknownOid         = errorString("no enumerated member registered for this object identifier")
	errNullableNotPointer = errorString("nullable field must be a pointer type")
)

func decodeBool(el element) (bool, error) {
	if el.Header.Tag != asn1.TagBoolean {
		return false, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	if len(el.Content) != 1 {
		return false, &Error{Kind: InvalidBool, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("boolean content must be exactly one octet")}
	}
	switch el.Content[0] {
	case 0x00:
		return false, nil
	case 0xFF:
		return true, nil
	default:
		return false, &Error{Kind: InvalidBool, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("boolean octet must be 0x00 or 0xFF in DER")}
	}
}

// decodeSignedContent validates the canonical two's-complement big-endian
// form required by DER and returns the value as an int64. Content longer than
// eight octets is reported as an Overflow error.
func decodeSignedContent(el element) (int64, error) {
	b := el.Content
	if len(b) == 0 {
		return 0, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer content must not be empty")}
	}
	if len(b) > 1 && (b[0] == 0x00 && b[1]&0x80 == 0 || b[0] == 0xFF && b[1]&0x80 != 0) {
		return 0, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer is not minimally encoded")}
	}
	if len(b) > 8 {
		return 0, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer does not fit in 64 bits")}
	}
	var val int64
	if b[0]&0x80 != 0 {
		val = -1
	}
	for _, c := range b {
		val = val<<8 | int64(uint8(c))
	}
	return val, nil
}

func decodeInt(el element, bitSize int) (int64, error) {
	if el.Header.Tag != asn1.TagInteger && el.Header.Tag != asn1.TagEnumerated {
		return 0, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	val, err := decodeSignedContent(el)
	if err != nil {
		return 0, err
	}
	if bitSize < 64 {
		shift := 64 - bitSize
		if val<<shift>>shift != val {
			return 0, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer does not fit in destination type")}
		}
	}
	return val, nil
}

func decodeUint(el element, bitSize int) (uint64, error) {
	if el.Header.Tag != asn1.TagInteger && el.Header.Tag != asn1.TagEnumerated {
		return 0, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	b := el.Content
	if len(b) == 0 {
		return 0, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer content must not be empty")}
	}
	if b[0]&0x80 != 0 {
		return 0, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer is negative, cannot decode into unsigned type")}
	}
	if len(b) > 1 && b[0] == 0x00 && b[1]&0x80 == 0 {
		return 0, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer is not minimally encoded")}
	}
	trimmed := b
	if len(trimmed) > 0 && trimmed[0] == 0x00 {
		trimmed = trimmed[1:]
	}
	if len(trimmed)*8 > bitSize+7 {
		return 0, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer does not fit in destination type")}
	}
	var val uint64
	for _, c := range trimmed {
		val = val<<8 | uint64(c)
	}
	if bitSize < 64 && val>>uint(bitSize) != 0 {
		return 0, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("integer does not fit in destination type")}
	}
	return val, nil
}

func decodeOID(el element) (asn1.ObjectIdentifier, error) {
	if el.Header.Tag != asn1.TagOID {
		return nil, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	b := el.Content
	if len(b) == 0 {
		return nil, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("object identifier content must not be empty")}
	}
	oid := make(asn1.ObjectIdentifier, 0, 4)
	r := bytes.NewReader(b)
	first := true
	for r.Len() > 0 {
		val, err := vlq.ReadMinimal[uint64](r)
		switch {
		case errors.Is(err, vlq.ErrNotMinimal):
			return nil, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("arc is not minimally encoded")}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, &Error{Kind: EndOfStream, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("truncated arc")}
		case errors.Is(err, vlq.ErrOverflow):
			return nil, &Error{Kind: Overflow, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("arc too large to represent")}
		case err != nil:
			return nil, &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Err: err}
		}
		if first {
			if val < 80 {
				oid = append(oid, val/40, val%40)
			} else {
				oid = append(oid, 2, val-80)
			}
			first = false
		} else {
			oid = append(oid, val)
		}
	}
	return oid, nil
}

func decodeBitString(el element) (asn1.BitString, error) {
	if el.Header.Tag != asn1.TagBitString {
		return asn1.BitString{}, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	if len(el.Content) == 0 {
		return asn1.BitString{}, &Error{Kind: InvalidBitString, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("bit string content must not be empty")}
	}
	padding := int(el.Content[0])
	bs := asn1.BitString{Bytes: el.Content[1:], Padding: padding}
	if !bs.IsValid() {
		return asn1.BitString{}, &Error{Kind: InvalidBitString, Offset: el.Offset, Tag: el.Header.Tag, Err: errorString("invalid padding")}
	}
	return bs, nil
}

func decodeTime(el element, wantTag asn1.Tag) (time.Time, error) {
	if el.Header.Tag != wantTag {
		return time.Time{}, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	s := string(el.Content)
	var layout string
	switch wantTag {
	case asn1.TagUTCTime:
		layout = "060102150405Z"
	case asn1.TagGeneralizedTime:
		layout = "20060102150405Z"
	default:
		return time.Time{}, &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Err: errTagMismatch}
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, &Error{Kind: InvalidDateTime, Offset: el.Offset, Tag: el.Header.Tag, Err: err}
	}
	if wantTag == asn1.TagUTCTime {
		if t.Year() >= 2050 {
			t = t.AddDate(-100, 0, 0)
		}
	}
	return t, nil
}

func decodeString(el element, t reflect.Type) (string, error) {
	wantTag, ok := stringTagFor(t)
	if !ok {
		wantTag = asn1.TagUTF8String
	}
	if el.Header.Tag != wantTag {
		return "", &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Type: t, Err: errTagMismatch}
	}
	s := string(el.Content)
	if v, err := validateStringContent(wantTag, s); err != nil {
		return "", &Error{Kind: NonCanonical, Offset: el.Offset, Tag: el.Header.Tag, Type: t, Err: err}
	} else {
		s = v
	}
	return s, nil
}

func decodeList(el element, v reflect.Value, params internal.FieldParameters) error {
	isSet := isSetType(v.Type())
	wantTag := asn1.TagSequence
	if isSet {
		wantTag = asn1.TagSet
	}
	if params.Tag == 0 && el.Header.Tag != wantTag {
		return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Type: v.Type(), Err: errTagMismatch}
	}
	if !el.Header.Constructed {
		return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: el.Header.Tag, Type: v.Type(), Err: errorString("SEQUENCE OF / SET OF must use the constructed encoding")}
	}

	var items []reflect.Value
	elemType := v.Type().Elem()
	var prevBytes []byte
	pos := 0
	for pos < len(el.Content) {
		child, err := decodeElementAt(el.Content, pos)
		if err != nil {
			return err
		}
		childLen := tlv.HeaderLen(child.Header) + child.Header.Length
		raw := el.Content[pos : pos+childLen]
		if isSet && prevBytes != nil && bytes.Compare(prevBytes, raw) > 0 {
			return &Error{Kind: NonCanonical, Offset: el.Offset + pos, Tag: child.Header.Tag, Type: v.Type(), Err: errorString("SET OF members are not sorted canonically")}
		}
		prevBytes = raw

		item := reflect.New(elemType).Elem()
		if err := decodeValue(child, item, internal.FieldParameters{}); err != nil {
			return err
		}
		items = append(items, item)
		pos += childLen
	}

	if v.Kind() == reflect.Array {
		if len(items) != v.Len() {
			return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: el.Header.Tag, Type: v.Type(), Err: errorString("array length does not match number of elements")}
		}
		for i, item := range items {
			v.Index(i).Set(item)
		}
		return nil
	}
	slice := reflect.MakeSlice(v.Type(), len(items), len(items))
	for i, item := range items {
		slice.Index(i).Set(item)
	}
	v.Set(slice)
	return nil
}

// isSetType reports whether t is (or is a defined type with the same
// underlying generic origin as) asn1.Set[T], which always represents ASN.1
// SET OF regardless of its element type.
func isSetType(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.PkgPath() == asn1PkgPath && strings.HasPrefix(t.Name(), "Set[")
}

var asn1PkgPath = reflect.TypeFor[asn1.Null]().PkgPath()

func decodeStruct(el element, v reflect.Value) error {
	if el.Header.Tag != asn1.TagSequence {
		return &Error{Kind: InvalidTag, Offset: el.Offset, Tag: el.Header.Tag, Type: v.Type(), Err: errTagMismatch}
	}
	if !el.Header.Constructed {
		return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: el.Header.Tag, Type: v.Type(), Err: errorString("SEQUENCE must use the constructed encoding")}
	}

	pos := 0
	extensible := false
	for field, params := range internal.StructFields(v) {
		if field.Type() == internal.ExtensibleType {
			extensible = true
			continue
		}
		if pos >= len(el.Content) {
			if err := fillMissing(el, field, params); err != nil {
				return err
			}
			continue
		}
		child, err := decodeElementAt(el.Content, pos)
		if err != nil {
			return err
		}
		if !elementMatches(child, field, params) {
			if err := fillMissing(el, field, params); err != nil {
				return err
			}
			continue
		}
		if err := decodeValue(child, field, params); err != nil {
			return err
		}
		pos += tlv.HeaderLen(child.Header) + child.Header.Length
	}
	if !extensible && pos < len(el.Content) {
		return &Error{Kind: NonCanonical, Offset: el.Offset + pos, Tag: el.Header.Tag, Type: v.Type(), Err: errorString("SEQUENCE contains too many values")}
	}
	return nil
}

// elementMatches reports whether the upcoming element could plausibly belong
// to field, so that an absent OPTIONAL or default-valued field can be skipped
// without consuming an element meant for a later field.
func elementMatches(child element, field reflect.Value, params internal.FieldParameters) bool {
	if params.Tag != 0 {
		return child.Header.Tag == params.Tag
	}
	if !params.Optional && !params.HasDefault && !params.Nullable {
		return true
	}
	wantTag, ok := expectedTag(field)
	if !ok {
		return true
	}
	return child.Header.Tag == wantTag
}

func fillMissing(el element, field reflect.Value, params internal.FieldParameters) error {
	if params.Nullable {
		if field.Kind() == reflect.Pointer {
			field.Set(reflect.Zero(field.Type()))
		}
		return nil
	}
	if params.HasDefault {
		return setDefault(field, params.Default)
	}
	if params.Optional {
		if field.Kind() == reflect.Pointer {
			field.Set(reflect.Zero(field.Type()))
		}
		return nil
	}
	return &Error{Kind: UnexpectedElement, Offset: el.Offset, Tag: el.Header.Tag, Type: field.Type(), Err: errorString("required field missing from SEQUENCE")}
}
