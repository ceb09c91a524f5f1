// Copyright 2025 Kim Wittenburg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package der

import (
	"iter"
	"reflect"
	"strconv"
	"sync"

	"go.dercodec.dev/asn1"
	"go.dercodec.dev/asn1/tlv"
)

// stringTagFor returns the universal tag that the der package associates with
// the named Go string type t, and whether t is one of the recognized
// wrapper types. Plain string values (ok == false) default to UTF8String.
func stringTagFor(t reflect.Type) (asn1.Tag, bool) {
	switch t {
	case reflect.TypeFor[asn1.UTF8String]():
		return asn1.TagUTF8String, true
	case reflect.TypeFor[asn1.NumericString]():
		return asn1.TagNumericString, true
	case reflect.TypeFor[asn1.PrintableString]():
		return asn1.TagPrintableString, true
	case reflect.TypeFor[asn1.IA5String]():
		return asn1.TagIA5String, true
	case reflect.TypeFor[asn1.VisibleString]():
		return asn1.TagVisibleString, true
	case reflect.TypeFor[asn1.UniversalString]():
		return asn1.TagUniversalString, true
	case reflect.TypeFor[asn1.BMPString]():
		return asn1.TagBMPString, true
	}
	return asn1.TagUTF8String, false
}

// validateStringContent checks that s satisfies the character repertoire
// implied by tag, returning an error if not.
func validateStringContent(tag asn1.Tag, s string) (string, error) {
	switch tag {
	case asn1.TagNumericString:
		if !asn1.NumericString(s).IsValid() {
			return "", errorString("not a valid NumericString")
		}
	case asn1.TagPrintableString:
		if !asn1.PrintableString(s).IsValid() {
			return "", errorString("not a valid PrintableString")
		}
	case asn1.TagIA5String:
		if !asn1.IA5String(s).IsValid() {
			return "", errorString("not a valid IA5String")
		}
	case asn1.TagVisibleString:
		if !asn1.VisibleString(s).IsValid() {
			return "", errorString("not a valid VisibleString")
		}
	case asn1.TagUTF8String, asn1.TagUniversalString:
		if !asn1.UTF8String(s).IsValid() {
			return "", errorString("not valid UTF-8")
		}
	case asn1.TagBMPString:
		if !asn1.BMPString(s).IsValid() {
			return "", errorString("not representable as a BMPString")
		}
	}
	return s, nil
}

// expectedTag reports the intrinsic universal tag a field's Go type would
// decode/encode as, absent any struct tag override. It is used to decide
// whether an upcoming element could plausibly belong to an OPTIONAL or
// defaulted field.
func expectedTag(v reflect.Value) (asn1.Tag, bool) {
	t := v.Type()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if _, ok := oidTableFor(t); ok {
		return asn1.TagOID, true
	}
	switch t {
	case reflect.TypeFor[asn1.ObjectIdentifier]():
		return asn1.TagOID, true
	case reflect.TypeFor[asn1.BitString]():
		return asn1.TagBitString, true
	case reflect.TypeFor[asn1.Null]():
		return asn1.TagNull, true
	case reflect.TypeFor[asn1.UTCTime]():
		return asn1.TagUTCTime, true
	case reflect.TypeFor[asn1.GeneralizedTime]():
		return asn1.TagGeneralizedTime, true
	}
	switch t.Kind() {
	case reflect.Bool:
		return asn1.TagBoolean, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if t.PkgPath() != "" {
			return asn1.TagEnumerated, true
		}
		return asn1.TagInteger, true
	case reflect.String:
		tag, _ := stringTagFor(t)
		return tag, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return asn1.TagOctetString, true
		}
		if isSetType(t) {
			return asn1.TagSet, true
		}
		return asn1.TagSequence, true
	case reflect.Array:
		return asn1.TagSequence, true
	case reflect.Struct:
		return asn1.TagSequence, true
	}
	return 0, false
}

// setDefault parses raw (the text of a `default:` struct tag) and assigns it
// to field, used when a SEQUENCE does not contain an encoding for field.
func setDefault(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.String:
		field.SetString(raw)
	default:
		return errorString("default: tag not supported for this field type")
	}
	return nil
}

// oidTable maps between the members of a registered Go enumerated type and
// their corresponding object identifiers.
type oidTable struct {
	toOID map[int64]asn1.ObjectIdentifier
	toInt map[string]int64
}

func (t oidTable) fromOID(oid asn1.ObjectIdentifier) (int64, bool) {
	i, ok := t.toInt[oid.String()]
	return i, ok
}

var oidTables sync.Map // reflect.Type -> oidTable

// RegisterOIDs associates the members of an enumerated Go type T with object
// identifiers. Once registered, the der package encodes and decodes values of
// type T as ASN.1 OBJECT IDENTIFIER rather than ENUMERATED, looking up the
// wire OID in table. Decoding an OID with no corresponding entry in table
// yields an [Error] with Kind [UnknownOid].
func RegisterOIDs[T ~int | ~int8 | ~int16 | ~int32 | ~int64](table map[T]asn1.ObjectIdentifier) {
	t := oidTable{
		toOID: make(map[int64]asn1.ObjectIdentifier, len(table)),
		toInt: make(map[string]int64, len(table)),
	}
	for member, oid := range table {
		t.toOID[int64(member)] = oid
		t.toInt[oid.String()] = int64(member)
	}
	oidTables.Store(reflect.TypeFor[T](), t)
}

func oidTableFor(t reflect.Type) (oidTable, bool) {
	v, ok := oidTables.Load(t)
	if !ok {
		return oidTable{}, false
	}
	return v.(oidTable), true
}

// Elements lazily iterates the immediate child TLVs of a constructed data
// value's content octets, without decoding or allocating beyond the
// [asn1.Opaque] values it yields. It is the zero-allocation building block
// behind [DecodeAll]; use it directly when you want to decode SEQUENCE OF or
// SET OF members one at a time without materializing a slice of all of them.
func Elements(content []byte) iter.Seq2[asn1.Opaque, error] {
	return func(yield func(asn1.Opaque, error) bool) {
		pos := 0
		for pos < len(content) {
			el, err := decodeElementAt(content, pos)
			if err != nil {
				yield(asn1.Opaque{}, err)
				return
			}
			if !yield(asn1.Opaque{Tag: el.Header.Tag, Constructed: el.Header.Constructed, Bytes: el.Content}, nil) {
				return
			}
			pos += tlv.HeaderLen(el.Header) + el.Header.Length
		}
	}
}

// DecodeAll decodes every element of content (the content octets of a
// constructed SEQUENCE OF or SET OF value) into a new slice of T. DecodeAll
// always allocates its result slice, as does [Decoder] when it decodes into a
// slice-typed value; use [Elements] directly to avoid that.
func DecodeAll[T any](content []byte) ([]T, error) {
	var result []T
	for opaque, err := range Elements(content) {
		if err != nil {
			return nil, err
		}
		var v T
		header := tlv.AppendHeader(nil, tlv.Header{Tag: opaque.Tag, Constructed: opaque.Constructed, Length: len(opaque.Bytes)})
		buf := append(header, opaque.Bytes...)
		if err := Unmarshal(buf, &v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}
