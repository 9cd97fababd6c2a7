package metering

import (
	"github.com/pkg/errors"
)

var errTruncated = errors.New("unexpected end of module")

// reader walks a byte slice holding part of a module.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) done() bool {
	return r.pos >= len(r.data)
}

func (r *reader) byte() (byte, error) {
	if r.done() {
		return 0, errTruncated
	}

	b := r.data[r.pos]
	r.pos++

	return b, nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(len(r.data)-r.pos) < uint64(n) {
		return nil, errTruncated
	}

	out := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)

	return out, nil
}

func (r *reader) skip(n int) error {
	if len(r.data)-r.pos < n {
		return errTruncated
	}

	r.pos += n

	return nil
}

// u32 reads an unsigned LEB128 value of at most 32 bits.
func (r *reader) u32() (uint32, error) {
	var value uint32

	for shift := 0; shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}

		value |= uint32(b&0x7f) << shift

		if b&0x80 == 0 {
			return value, nil
		}
	}

	return 0, errors.New("integer representation too long")
}

// leb skips a LEB128 value of either signedness, up to 64 bits.
func (r *reader) leb() error {
	for n := 0; n < 10; n++ {
		b, err := r.byte()
		if err != nil {
			return err
		}

		if b&0x80 == 0 {
			return nil
		}
	}

	return errors.New("integer representation too long")
}

// name skips a length prefixed name and returns it.
func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}

	raw, err := r.bytes(n)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7

		if v == 0 {
			return append(out, b)
		}

		out = append(out, b|0x80)
	}
}

func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7

		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}

		out = append(out, b|0x80)
	}
}

func appendName(out []byte, name string) []byte {
	out = appendU32(out, uint32(len(name)))

	return append(out, name...)
}
