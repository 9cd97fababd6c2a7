package runner

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

// AbortData is what a guest reported through the abort import.
type AbortData struct {
	Message string
	File    string
	Line    uint32
	Column  uint32
}

func (a AbortData) String() string {
	return fmt.Sprintf("%s at %s:%d:%d", a.Message, a.File, a.Line, a.Column)
}

// readString decodes the UTF-16LE string buffer at ptr. A null pointer is
// the empty string.
func readString(inst interfaces.ModuleInstance, ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}

	raw, err := inst.ReadArrayBuffer(ptr)
	if err != nil {
		return "", err
	}

	units := make([]uint16, len(raw)/2)
	for n := range units {
		units[n] = binary.LittleEndian.Uint16(raw[2*n:])
	}

	return string(utf16.Decode(units)), nil
}
