// Package tlv implements decoding and encoding of the tag-length-value (TLV)
// structure used by the Distinguished Encoding Rules (DER) as specified in
// [Rec. ITU-T X.690]. This package deals with the syntactic layer of
// TLV-encoding: identifier and length octets. The go.dercodec.dev/asn1/der
// package builds the semantic layer (the mapping of Go types to content
// octets) on top of it.
//
// Unlike BER, DER forbids the indefinite-length form entirely, so [Header]
// never needs to represent it: every [Header.Length] is the exact number of
// content octets that follow.
//
// [Rec. ITU-T X.690]: https://www.itu.int/rec/T-REC-X.690
package tlv

import (
	"strconv"

	"go.dercodec.dev/asn1"
)

// Header represents the identifier and length octets of a DER data value
// encoding. Length is the exact number of content octets that make up the
// data value; DER never uses the indefinite-length form.
type Header struct {
	Tag         asn1.Tag
	Constructed bool
	Length      int
}

// String returns a string representation of h.
func (h Header) String() string {
	s := h.Tag.String()
	if h.Constructed {
		s += "/c"
	} else {
		s += "/p"
	}
	s += ":" + strconv.Itoa(h.Length)
	return s
}
