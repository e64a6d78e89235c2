// Package protocol implements the wire codec for the session protocol:
// LEB128-style variable-length integers, the 1-byte tagged header, the
// transport message set (SCOUT through FRAME), and the zenoh message
// set (DECLARE through REPLY_CONTEXT) carried inside frames.
//
// Wire version: the T-flag layout. The low 5 header bits are the
// message id, the high 3 bits are per-variant flags. All multi-byte
// fixed-width fields are little-endian.
package protocol

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// maxZintBytes bounds a varint to a full uint64 (10 x 7 bits >= 64).
const maxZintBytes = 10

// WriteZint appends v as a LEB128 varint: 7 payload bits per byte,
// MSB=1 means continuation.
func WriteZint(w *iobuf.WBuf, v uint64) error {
	for v > 0x7f {
		if err := w.WriteByte(byte(v&0x7f) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteByte(byte(v))
}

// ZintLen returns the encoded size of v in bytes.
func ZintLen(v uint64) int {
	n := 1
	for v > 0x7f {
		v >>= 7
		n++
	}
	return n
}

// ReadZint decodes a LEB128 varint. Encodings longer than a uint64
// can carry are rejected with PARSE_ZINT.
func ReadZint(z *iobuf.ZBuf) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < maxZintBytes; i++ {
		b, err := z.ReadByte()
		if err != nil {
			return 0, zerr.Wrap(zerr.ParseZint, err)
		}
		if shift == 63 && b > 1 {
			return 0, zerr.Errorf(zerr.ParseZint, "zint overflows 64 bits")
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
	return 0, zerr.Errorf(zerr.ParseZint, "zint longer than %d bytes", maxZintBytes)
}

// ReadZintBounded decodes a varint and rejects values that do not fit
// the width implied by the negotiated SN resolution.
func ReadZintBounded(z *iobuf.ZBuf, res Resolution) (uint64, error) {
	v, err := ReadZint(z)
	if err != nil {
		return 0, err
	}
	if v >= res.Size() {
		return 0, zerr.Errorf(zerr.ParseZint,
			"zint %d exceeds negotiated resolution %s", v, res)
	}
	return v, nil
}

// WriteBytes appends a zint length prefix followed by b.
func WriteBytes(w *iobuf.WBuf, b []byte) error {
	if err := WriteZint(w, uint64(len(b))); err != nil {
		return err
	}
	return w.WriteBytes(b, 0, len(b))
}

// ReadBytes decodes a length-prefixed byte field. The returned slice
// aliases the read buffer.
func ReadBytes(z *iobuf.ZBuf) ([]byte, error) {
	n, err := ReadZint(z)
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseBytes, err)
	}
	if n > uint64(z.Readable()) {
		return nil, zerr.Errorf(zerr.ParseBytes,
			"bytes length %d exceeds remaining %d", n, z.Readable())
	}
	b, err := z.Read(int(n))
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseBytes, err)
	}
	return b, nil
}

// WriteString appends a length-prefixed UTF-8 string.
func WriteString(w *iobuf.WBuf, s string) error {
	if err := WriteZint(w, uint64(len(s))); err != nil {
		return err
	}
	return w.WriteBytes([]byte(s), 0, len(s))
}

// ReadString decodes a length-prefixed UTF-8 string.
func ReadString(z *iobuf.ZBuf) (string, error) {
	b, err := ReadBytes(z)
	if err != nil {
		return "", zerr.Wrap(zerr.ParseString, err)
	}
	return string(b), nil
}
