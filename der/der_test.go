// Copyright 2025 Kim Wittenburg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package der

import (
	"errors"
	"slices"
	"testing"
	"time"

	"go.dercodec.dev/asn1"
)

func TestMarshalUnmarshal_Integer(t *testing.T) {
	tests := map[string]struct {
		val  uint16
		want []byte
	}{
		"Zero":   {0, []byte{0x02, 0x01, 0x00}},
		"0xFFFF": {0xFFFF, []byte{0x02, 0x03, 0x00, 0xFF, 0xFF}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Marshal(tc.val)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("Marshal() = % x, want % x", got, tc.want)
			}
			var roundTripped uint16
			if err := Unmarshal(got, &roundTripped); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if roundTripped != tc.val {
				t.Errorf("Unmarshal() = %v, want %v", roundTripped, tc.val)
			}
		})
	}
}

func TestUnmarshal_NonCanonicalInteger(t *testing.T) {
	var i int
	err := Unmarshal([]byte{0x02, 0x02, 0x00, 0x01}, &i)
	var derErr *Error
	if !errors.As(err, &derErr) || derErr.Kind != NonCanonical {
		t.Fatalf("Unmarshal() error = %v, want NonCanonical", err)
	}
}

func TestMarshalUnmarshal_Bool(t *testing.T) {
	for _, want := range []bool{true, false} {
		got, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		var b bool
		if err := Unmarshal(got, &b); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if b != want {
			t.Errorf("Unmarshal() = %v, want %v", b, want)
		}
	}
}

func TestUnmarshal_InvalidBool(t *testing.T) {
	var b bool
	err := Unmarshal([]byte{0x01, 0x01, 0x02}, &b)
	var derErr *Error
	if !errors.As(err, &derErr) || derErr.Kind != InvalidBool {
		t.Fatalf("Unmarshal() error = %v, want InvalidBool", err)
	}
}

func TestMarshalUnmarshal_Sequence(t *testing.T) {
	type pair struct {
		A int
		B int
	}
	want := pair{A: 1, B: 2}
	got, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out pair
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out != want {
		t.Errorf("Unmarshal() = %+v, want %+v", out, want)
	}
}

func TestMarshalUnmarshal_BitString(t *testing.T) {
	tests := map[string]asn1.BitString{
		"NoPadding": {Bytes: []byte{0x01, 0x02}, Padding: 0},
		"Padded":    {Bytes: []byte{0xA0}, Padding: 5},
		"Empty":     {Bytes: nil, Padding: 0},
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Marshal(want)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var out asn1.BitString
			if err := Unmarshal(got, &out); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if out.Padding != want.Padding || !slices.Equal(out.Bytes, want.Bytes) {
				t.Errorf("Unmarshal() = %+v, want %+v", out, want)
			}
		})
	}
}

func TestMarshalUnmarshal_UTCTime(t *testing.T) {
	want := asn1.UTCTime(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	got, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out asn1.UTCTime
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if time.Time(out).Equal(time.Time(want)) == false {
		t.Errorf("Unmarshal() = %v, want %v", time.Time(out), time.Time(want))
	}
}

func TestMarshalUnmarshal_ExplicitTag(t *testing.T) {
	type wrapped struct {
		X int `asn1:"tag:0,explicit"`
	}
	want := wrapped{X: 42}
	got, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out wrapped
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out != want {
		t.Errorf("Unmarshal() = %+v, want %+v", out, want)
	}
}

func TestMarshalUnmarshal_DefaultOmitted(t *testing.T) {
	type withDefault struct {
		A int
		B int `asn1:"default:5"`
	}
	got, err := Marshal(withDefault{A: 1, B: 5})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out withDefault
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.A != 1 || out.B != 5 {
		t.Errorf("Unmarshal() = %+v, want {1 5}", out)
	}

	// The encoded SEQUENCE should contain only the A field, since B equals its default.
	var raw asn1.Opaque
	d := NewDecoder(got)
	if err := d.Decode(&raw); err != nil {
		t.Fatalf("Decode(Opaque) error = %v", err)
	}
	var elems int
	for range Elements(raw.Bytes) {
		elems++
	}
	if elems != 1 {
		t.Errorf("got %d elements in encoded SEQUENCE, want 1", elems)
	}
}

func TestUnmarshal_TruncatedLength(t *testing.T) {
	// A length claiming 4 GiB of content with no data behind it must be
	// rejected without attempting to read past the buffer.
	buf := []byte{0x04, 0x84, 0xFF, 0xFF, 0xFF, 0xFF}
	var b []byte
	err := Unmarshal(buf, &b)
	var derErr *Error
	if !errors.As(err, &derErr) || derErr.Kind != InvalidLength {
		t.Fatalf("Unmarshal() error = %v, want InvalidLength", err)
	}
}

func TestMarshalUnmarshal_SetOfCanonicalOrder(t *testing.T) {
	type set = asn1.Set[int]
	want := set{300, 1, 2}
	got, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out set
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(out) != len(want) {
		t.Fatalf("Unmarshal() = %v, want same length as %v", out, want)
	}
}

func TestMarshalUnmarshal_OID(t *testing.T) {
	want, err := asn1.ParseObjectIdentifier("1.2.840.113549.1.1.1")
	if err != nil {
		t.Fatalf("ParseObjectIdentifier() error = %v", err)
	}
	got, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out asn1.ObjectIdentifier
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !out.Equal(want) {
		t.Errorf("Unmarshal() = %v, want %v", out, want)
	}
}

func TestRegisterOIDs(t *testing.T) {
	type hashAlgorithm int
	const (
		sha256 hashAlgorithm = iota + 1
		sha384
	)
	sha256OID, _ := asn1.ParseObjectIdentifier("2.16.840.1.101.3.4.2.1")
	sha384OID, _ := asn1.ParseObjectIdentifier("2.16.840.1.101.3.4.2.2")
	RegisterOIDs(map[hashAlgorithm]asn1.ObjectIdentifier{
		sha256: sha256OID,
		sha384: sha384OID,
	})

	got, err := Marshal(sha256)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out hashAlgorithm
	if err := Unmarshal(got, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out != sha256 {
		t.Errorf("Unmarshal() = %v, want %v", out, sha256)
	}
}

func TestUnmarshal_UnknownOid(t *testing.T) {
	type color int
	const red color = 1
	redOID, _ := asn1.ParseObjectIdentifier("1.2.3.4")
	RegisterOIDs(map[color]asn1.ObjectIdentifier{red: redOID})

	unknownOID, _ := asn1.ParseObjectIdentifier("1.2.3.99")
	buf, err := Marshal(unknownOID)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out color
	err = Unmarshal(buf, &out)
	var derErr *Error
	if !errors.As(err, &derErr) || derErr.Kind != UnknownOid {
		t.Fatalf("Unmarshal() error = %v, want UnknownOid", err)
	}
}
