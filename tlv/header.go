package tlv

import (
	"bytes"
	"errors"
	"io"

	"go.dercodec.dev/asn1"
	"go.dercodec.dev/asn1/internal/vlq"
)

// DecodeHeader parses the identifier and length octets of a DER data value
// encoding from the front of buf. It returns the parsed header and the number
// of octets consumed. DecodeHeader does not look past the header: it never
// inspects content octets, and a zero-length buf is a valid (empty) input
// that simply reports ErrTruncated.
func DecodeHeader(buf []byte) (h Header, n int, err error) {
	if len(buf) < 1 {
		return Header{}, 0, &SyntaxError{0, ErrTruncated}
	}
	b := buf[0]
	n = 1
	h.Tag = asn1.Tag(b>>6)<<30 | asn1.Tag(b&0x1f)
	h.Constructed = b&0x20 != 0

	if b&0x1f == 0x1f {
		if n >= len(buf) {
			return Header{}, n, &SyntaxError{n, ErrTruncated}
		}
		if buf[n] == 0x80 || buf[n] < 0x1f {
			return Header{}, n, &SyntaxError{n, ErrNonMinimalTag}
		}
		start := n
		br := bytes.NewReader(buf[start:])
		num, rerr := vlq.Read[uint64](br)
		n = start + len(buf[start:]) - br.Len()
		switch {
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return Header{}, n, &SyntaxError{n, ErrTruncated}
		case rerr != nil:
			return Header{}, n, &SyntaxError{n, ErrTagOverflow}
		case num > uint64(asn1.MaxTag):
			return Header{}, n, &SyntaxError{n, ErrTagOverflow}
		}
		h.Tag = h.Tag.Class() | asn1.Tag(num)
	}

	if n >= len(buf) {
		return Header{}, n, &SyntaxError{n, ErrTruncated}
	}
	lb := buf[n]
	n++
	switch {
	case lb&0x80 == 0:
		h.Length = int(lb)
	case lb == 0x80:
		return Header{}, n, &SyntaxError{n, ErrIndefiniteLength}
	default:
		numBytes := int(lb & 0x7f)
		if numBytes > 8 {
			return Header{}, n, &SyntaxError{n, ErrLengthOverflow}
		}
		if n >= len(buf) {
			return Header{}, n, &SyntaxError{n, ErrTruncated}
		}
		if buf[n] == 0 {
			return Header{}, n, &SyntaxError{n, ErrNonMinimalLength}
		}
		length := 0
		for i := 0; i < numBytes; i++ {
			if n >= len(buf) {
				return Header{}, n, &SyntaxError{n, ErrTruncated}
			}
			if length > (1<<(bitsIntSize()-9) - 1) {
				return Header{}, n, &SyntaxError{n, ErrLengthOverflow}
			}
			length = length<<8 | int(buf[n])
			n++
		}
		if length < 128 {
			return Header{}, n, &SyntaxError{n, ErrNonMinimalLength}
		}
		h.Length = length
	}
	return h, n, nil
}

func bitsIntSize() int {
	const size = 32 << (^uint(0) >> 63)
	return size
}

// AppendHeader appends the DER encoding of h's identifier and length octets
// to dst, returning the extended slice.
func AppendHeader(dst []byte, h Header) []byte {
	b := byte(h.Tag.Class() >> 24)
	if h.Constructed {
		b |= 0x20
	}
	if h.Tag.Number() < 31 {
		b |= byte(h.Tag.Number())
		dst = append(dst, b)
	} else {
		b |= 0x1f
		dst = append(dst, b)
		var buf bytes.Buffer
		_, _ = vlq.Write(&buf, uint64(h.Tag.Number()))
		dst = append(dst, buf.Bytes()...)
	}

	switch {
	case h.Length < 128:
		dst = append(dst, byte(h.Length))
	default:
		var tmp [8]byte
		i := len(tmp)
		for l := h.Length; l > 0; l >>= 8 {
			i--
			tmp[i] = byte(l)
		}
		dst = append(dst, 0x80|byte(len(tmp)-i))
		dst = append(dst, tmp[i:]...)
	}
	return dst
}

// HeaderLen returns the number of octets AppendHeader would append for h.
func HeaderLen(h Header) int {
	l := 1
	if h.Tag.Number() >= 31 {
		l += vlq.Length(uint64(h.Tag.Number()))
	}
	l++
	if h.Length >= 128 {
		for n := h.Length; n > 0; n >>= 8 {
			l++
		}
	}
	return l
}
