package tlv

import (
	"errors"
	"slices"
	"testing"

	"go.dercodec.dev/asn1"
)

func TestDecodeHeader(t *testing.T) {
	tests := map[string]struct {
		data    []byte
		want    Header
		wantN   int
		wantErr error
	}{
		"ShortLength": {
			[]byte{0x02, 0x01, 0x05},
			Header{Tag: asn1.TagInteger, Length: 1},
			2, nil,
		},
		"LongLength": {
			[]byte{0x04, 0x81, 0x80},
			Header{Tag: asn1.TagOctetString, Length: 128},
			3, nil,
		},
		"Constructed": {
			[]byte{0x30, 0x03},
			Header{Tag: asn1.TagSequence, Constructed: true, Length: 3},
			2, nil,
		},
		"HighTagNumber": {
			[]byte{0x1f, 0x22, 0x00},
			Header{Tag: asn1.Tag(0x22), Length: 0},
			3, nil,
		},
		"Indefinite": {
			[]byte{0x30, 0x80},
			Header{}, 2, ErrIndefiniteLength,
		},
		"NonMinimalLength": {
			[]byte{0x04, 0x81, 0x05},
			Header{}, 3, ErrNonMinimalLength,
		},
		"Truncated": {
			[]byte{0x02},
			Header{}, 1, ErrTruncated,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, n, err := DecodeHeader(tc.data)
			if tc.wantErr != nil {
				var se *SyntaxError
				if !errors.As(err, &se) || !errors.Is(se.Err, tc.wantErr) {
					t.Fatalf("DecodeHeader() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeHeader() unexpected error = %v", err)
			}
			if got != tc.want {
				t.Errorf("DecodeHeader() = %+v, want %+v", got, tc.want)
			}
			if n != tc.wantN {
				t.Errorf("DecodeHeader() n = %d, want %d", n, tc.wantN)
			}
		})
	}
}

func TestAppendHeader_RoundTrip(t *testing.T) {
	tests := map[string]Header{
		"ShortLength":   {Tag: asn1.TagInteger, Length: 1},
		"LongLength":    {Tag: asn1.TagOctetString, Length: 200},
		"Constructed":   {Tag: asn1.TagSequence, Constructed: true, Length: 5},
		"HighTagNumber": {Tag: asn1.ClassContextSpecific | 0x22, Length: 0},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			buf := AppendHeader(nil, h)
			if len(buf) != HeaderLen(h) {
				t.Errorf("HeaderLen() = %d, want %d", HeaderLen(h), len(buf))
			}
			got, n, err := DecodeHeader(buf)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}
			if n != len(buf) {
				t.Errorf("DecodeHeader() n = %d, want %d", n, len(buf))
			}
			if got != h {
				t.Errorf("DecodeHeader() = %+v, want %+v", got, h)
			}
		})
	}
}

func TestAppendHeader_Bytes(t *testing.T) {
	got := AppendHeader(nil, Header{Tag: asn1.TagBoolean, Length: 1})
	want := []byte{0x01, 0x01}
	if !slices.Equal(got, want) {
		t.Errorf("AppendHeader() = % x, want % x", got, want)
	}
}
