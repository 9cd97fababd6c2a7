// Package metering rewrites modules to bound what they consume. Inject makes
// their code charge gas while it runs, for engines without built in fuel.
// LimitMemory caps how far their memories may grow.
package metering

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

const (
	// GasGlobal is the exported mutable i64 global holding the remaining
	// gas, read and written as an unsigned value.
	GasGlobal = "contractvm_gas"
	// StartExport names the relocated start function. The engine runs it
	// once the budget is in place.
	StartExport = "contractvm_start"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const (
	sectionCustom   byte = 0
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionStart    byte = 8
	sectionCode     byte = 10
)

// sectionOrder ranks the known sections in the order modules lay them out.
var sectionOrder = map[byte]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 13: 6, 6: 7, 7: 8, 8: 9, 9: 10, 12: 11, 10: 12, 11: 13}

const (
	kindFunc   byte = 0x00
	kindTable  byte = 0x01
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
	kindTag    byte = 0x04

	typeI64     byte = 0x7e
	typeFunc    byte = 0x60
	typeRef     byte = 0x64
	typeRefNull byte = 0x63
)

const (
	opUnreachable        byte = 0x00
	opNop                byte = 0x01
	opBlock              byte = 0x02
	opIf                 byte = 0x04
	opElse               byte = 0x05
	opEnd                byte = 0x0b
	opBr                 byte = 0x0c
	opBrIf               byte = 0x0d
	opBrTable            byte = 0x0e
	opReturn             byte = 0x0f
	opCall               byte = 0x10
	opCallIndirect       byte = 0x11
	opReturnCall         byte = 0x12
	opReturnCallIndirect byte = 0x13
	opDrop               byte = 0x1a
	opSelect             byte = 0x1b
	opSelectTyped        byte = 0x1c
	opLocalGet           byte = 0x20
	opTableSet           byte = 0x26
	opGlobalGet          byte = 0x23
	opGlobalSet          byte = 0x24
	opI32Load            byte = 0x28
	opI64Store32         byte = 0x3e
	opMemorySize         byte = 0x3f
	opMemoryGrow         byte = 0x40
	opI32Const           byte = 0x41
	opI64Const           byte = 0x42
	opF32Const           byte = 0x43
	opF64Const           byte = 0x44
	opI32Eqz             byte = 0x45
	opI64LtU             byte = 0x54
	opI64Sub             byte = 0x7d
	opI64Extend32S       byte = 0xc4
	opRefNull            byte = 0xd0
	opRefIsNull          byte = 0xd1
	opRefFunc            byte = 0xd2
	opPrefixMisc         byte = 0xfc

	blockVoid byte = 0x40
)

// Costs configures what rewritten code charges.
type Costs struct {
	// Instruction is charged for every instruction executed. Straight line
	// runs of code are charged as a whole when they are entered.
	Instruction uint64
	// FunctionCall is charged on entry to every function.
	FunctionCall uint64
}

type section struct {
	id      byte
	content []byte
}

type module struct {
	sections []section

	importedFuncs   uint32
	importedGlobals uint32
	exports         map[string]struct{}
	start           *uint32
}

func (m *module) content(id byte) []byte {
	for _, s := range m.sections {
		if s.id == id {
			return s.content
		}
	}

	return nil
}

// Inject returns bytecode rewritten so that every function charges
// FunctionCall on entry and every straight line run of code charges its
// instructions before it executes, loop bodies included on each iteration.
// Charges go through an appended function that traps with unreachable,
// after zeroing GasGlobal, when the budget cannot cover them. The global
// starts at zero. A start function is exported as StartExport instead of
// running during instantiation.
func Inject(bytecode []byte, costs Costs) ([]byte, error) {
	m, err := parse(bytecode)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
	}

	for _, name := range []string{GasGlobal, StartExport} {
		if _, ok := m.exports[name]; ok {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "module already exports %q", name)
		}
	}

	types, err := count(m.content(sectionType))
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
	}

	funcs, err := count(m.content(sectionFunction))
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
	}

	globals, err := count(m.content(sectionGlobal))
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
	}

	inj := &injector{
		costs:  costs,
		charge: m.importedFuncs + funcs,
		global: m.importedGlobals + globals,
	}

	exports := appendName(nil, GasGlobal)
	exports = append(exports, kindGlobal)
	exports = appendU32(exports, inj.global)
	added := uint32(1)

	if m.start != nil {
		exports = appendName(exports, StartExport)
		exports = append(exports, kindFunc)
		exports = appendU32(exports, *m.start)
		added++
	}

	replaced := make(map[byte][]byte)

	for _, change := range []struct {
		id      byte
		added   uint32
		entries []byte
	}{
		{id: sectionType, added: 1, entries: []byte{typeFunc, 0x01, typeI64, 0x00}},
		{id: sectionFunction, added: 1, entries: appendU32(nil, types)},
		{id: sectionGlobal, added: 1, entries: []byte{typeI64, 0x01, opI64Const, 0x00, opEnd}},
		{id: sectionExport, added: added, entries: exports},
	} {
		content, err := extend(m.content(change.id), change.added, change.entries)
		if err != nil {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
		}

		replaced[change.id] = content
	}

	code, err := inj.code(m.content(sectionCode))
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to meter module: %v", err)
	}

	replaced[sectionCode] = code

	if m.start != nil {
		replaced[sectionStart] = nil
	}

	return m.encode(replaced), nil
}

// LimitMemory returns bytecode whose defined memories declare a maximum of
// at most maxPages pages. Modules whose memories start larger are rejected
// with errdefs.ErrCapacity.
func LimitMemory(bytecode []byte, maxPages uint32) ([]byte, error) {
	m, err := parse(bytecode)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to limit module memory: %v", err)
	}

	content := m.content(sectionMemory)
	if content == nil {
		return bytecode, nil
	}

	limited, err := limitMemories(content, maxPages)
	if err != nil {
		return nil, err
	}

	return m.encode(map[byte][]byte{sectionMemory: limited}), nil
}

func limitMemories(content []byte, maxPages uint32) ([]byte, error) {
	r := &reader{data: content}

	n, err := r.u32()
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to limit module memory: %v", err)
	}

	out := appendU32(nil, n)

	for i := uint32(0); i < n; i++ {
		flags, err := r.byte()
		if err != nil {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to limit module memory: %v", err)
		}

		// Only 32 bit memories, shared or not.
		if flags&^0x03 != 0 {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "memory %d has unsupported limits 0x%02x", i, flags)
		}

		initial, err := r.u32()
		if err != nil {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to limit module memory: %v", err)
		}

		maximum := maxPages

		if flags&0x01 != 0 {
			declared, err := r.u32()
			if err != nil {
				return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to limit module memory: %v", err)
			}

			maximum = min(declared, maxPages)
		}

		if initial > maximum {
			return nil, errors.Wrapf(errdefs.ErrCapacity, "memory %d starts at %d pages, at most %d allowed", i, initial, maximum)
		}

		out = append(out, flags|0x01)
		out = appendU32(out, initial)
		out = appendU32(out, maximum)
	}

	return out, nil
}

func parse(bytecode []byte) (*module, error) {
	if !bytes.HasPrefix(bytecode, header) {
		return nil, errors.New("missing module header")
	}

	m := &module{exports: make(map[string]struct{})}
	r := &reader{data: bytecode, pos: len(header)}

	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}

		size, err := r.u32()
		if err != nil {
			return nil, err
		}

		content, err := r.bytes(size)
		if err != nil {
			return nil, err
		}

		if _, ok := sectionOrder[id]; !ok && id != sectionCustom {
			return nil, errors.Errorf("unknown section %d", id)
		}

		switch id {
		case sectionImport:
			err = m.parseImports(content)
		case sectionExport:
			err = m.parseExports(content)
		case sectionStart:
			err = m.parseStart(content)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "section %d", id)
		}

		m.sections = append(m.sections, section{id: id, content: content})
	}

	return m, nil
}

func (m *module) parseImports(content []byte) error {
	r := &reader{data: content}

	n, err := r.u32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		if _, err := r.name(); err != nil {
			return err
		}

		if _, err := r.name(); err != nil {
			return err
		}

		kind, err := r.byte()
		if err != nil {
			return err
		}

		switch kind {
		case kindFunc:
			m.importedFuncs++
			err = r.leb()
		case kindTable:
			if err = skipValueType(r); err == nil {
				err = skipLimits(r)
			}
		case kindMemory:
			err = skipLimits(r)
		case kindGlobal:
			m.importedGlobals++

			if err = skipValueType(r); err == nil {
				_, err = r.byte()
			}
		case kindTag:
			if _, err = r.byte(); err == nil {
				err = r.leb()
			}
		default:
			err = errors.Errorf("unknown import kind %d", kind)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *module) parseExports(content []byte) error {
	r := &reader{data: content}

	n, err := r.u32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}

		if _, err := r.byte(); err != nil {
			return err
		}

		if err := r.leb(); err != nil {
			return err
		}

		m.exports[name] = struct{}{}
	}

	return nil
}

func (m *module) parseStart(content []byte) error {
	r := &reader{data: content}

	index, err := r.u32()
	if err != nil {
		return err
	}

	m.start = &index

	return nil
}

// encode writes the module back with replaced section contents. Replaced
// sections the module lacked are inserted in their place, and sections
// replaced with nil are left out.
func (m *module) encode(replaced map[byte][]byte) []byte {
	present := make(map[byte]bool)
	for _, s := range m.sections {
		present[s.id] = true
	}

	var missing []byte

	for id, content := range replaced {
		if !present[id] && content != nil {
			missing = append(missing, id)
		}
	}

	sort.Slice(missing, func(i, j int) bool {
		return sectionOrder[missing[i]] < sectionOrder[missing[j]]
	})

	out := append([]byte(nil), header...)

	emit := func(id byte, content []byte) {
		out = append(out, id)
		out = appendU32(out, uint32(len(content)))
		out = append(out, content...)
	}

	for _, s := range m.sections {
		if s.id != sectionCustom {
			for len(missing) > 0 && sectionOrder[missing[0]] < sectionOrder[s.id] {
				emit(missing[0], replaced[missing[0]])
				missing = missing[1:]
			}

			if content, ok := replaced[s.id]; ok {
				if content != nil {
					emit(s.id, content)
				}

				continue
			}
		}

		emit(s.id, s.content)
	}

	for _, id := range missing {
		emit(id, replaced[id])
	}

	return out
}

func count(content []byte) (uint32, error) {
	if content == nil {
		return 0, nil
	}

	return (&reader{data: content}).u32()
}

// extend appends entries to a vector section, creating it when content is
// nil.
func extend(content []byte, added uint32, entries []byte) ([]byte, error) {
	var (
		n    uint32
		rest []byte
	)

	if content != nil {
		r := &reader{data: content}

		count, err := r.u32()
		if err != nil {
			return nil, err
		}

		n = count
		rest = content[r.pos:]
	}

	out := appendU32(nil, n+added)
	out = append(out, rest...)

	return append(out, entries...), nil
}

func skipValueType(r *reader) error {
	t, err := r.byte()
	if err != nil {
		return err
	}

	if t == typeRef || t == typeRefNull {
		return r.leb()
	}

	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.byte()
	if err != nil {
		return err
	}

	if err := r.leb(); err != nil {
		return err
	}

	if flags&0x01 != 0 {
		return r.leb()
	}

	return nil
}

type injector struct {
	costs  Costs
	charge uint32
	global uint32
}

// segment is a straight line run of code starting at offset at.
type segment struct {
	at    int
	count uint64
}

func (inj *injector) code(content []byte) ([]byte, error) {
	r := &reader{data: content}

	n, err := count(content)
	if err != nil {
		return nil, err
	}

	if content != nil {
		_, _ = r.u32()
	}

	out := appendU32(nil, n+1)

	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}

		body, err := r.bytes(size)
		if err != nil {
			return nil, err
		}

		rewritten, err := inj.body(body)
		if err != nil {
			return nil, errors.Wrapf(err, "function body %d", i)
		}

		out = appendU32(out, uint32(len(rewritten)))
		out = append(out, rewritten...)
	}

	if !r.done() {
		return nil, errors.New("trailing bytes after function bodies")
	}

	charge := inj.chargeBody()
	out = appendU32(out, uint32(len(charge)))

	return append(out, charge...), nil
}

func (inj *injector) body(body []byte) ([]byte, error) {
	r := &reader{data: body}

	groups, err := r.u32()
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return nil, err
		}

		if err := skipValueType(r); err != nil {
			return nil, err
		}
	}

	segments := []segment{{at: r.pos}}

	for !r.done() {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}

		boundary, err := skipImmediates(r, op)
		if err != nil {
			return nil, err
		}

		segments[len(segments)-1].count++

		if boundary && !r.done() {
			segments = append(segments, segment{at: r.pos})
		}
	}

	out := make([]byte, 0, len(body)+12*len(segments))
	out = append(out, body[:segments[0].at]...)

	for n, seg := range segments {
		end := len(body)
		if n+1 < len(segments) {
			end = segments[n+1].at
		}

		cost := seg.count * inj.costs.Instruction
		if n == 0 {
			cost += inj.costs.FunctionCall
		}

		if cost > 0 {
			out = append(out, opI64Const)
			out = appendS64(out, int64(cost))
			out = append(out, opCall)
			out = appendU32(out, inj.charge)
		}

		out = append(out, body[seg.at:end]...)
	}

	return out, nil
}

// chargeBody is the code of (func (param $cost i64)): it traps with an
// empty budget when $cost exceeds the budget, or subtracts it otherwise.
func (inj *injector) chargeBody() []byte {
	global := appendU32(nil, inj.global)

	out := []byte{0x00}
	out = append(append(out, opGlobalGet), global...)
	out = append(out, opLocalGet, 0x00, opI64LtU, opIf, blockVoid, opI64Const, 0x00)
	out = append(append(out, opGlobalSet), global...)
	out = append(out, opUnreachable, opEnd)
	out = append(append(out, opGlobalGet), global...)
	out = append(out, opLocalGet, 0x00, opI64Sub)
	out = append(append(out, opGlobalSet), global...)

	return append(out, opEnd)
}

// skipImmediates moves r past the immediates of op and reports whether op
// ends a straight line run of code.
func skipImmediates(r *reader, op byte) (bool, error) {
	switch {
	case op == opUnreachable, op == opElse, op == opEnd, op == opReturn:
		return true, nil
	case op >= opBlock && op <= opIf, op == opBr, op == opBrIf, op == opReturnCall:
		return true, r.leb()
	case op == opBrTable:
		labels, err := r.u32()
		if err != nil {
			return false, err
		}

		for i := uint64(0); i <= uint64(labels); i++ {
			if err := r.leb(); err != nil {
				return false, err
			}
		}

		return true, nil
	case op == opReturnCallIndirect:
		if err := r.leb(); err != nil {
			return false, err
		}

		return true, r.leb()
	case op == opNop, op == opDrop, op == opSelect, op == opRefIsNull:
		return false, nil
	case op >= opI32Eqz && op <= opI64Extend32S:
		return false, nil
	case op == opCall, op == opRefFunc, op == opRefNull:
		return false, r.leb()
	case op == opCallIndirect:
		if err := r.leb(); err != nil {
			return false, err
		}

		return false, r.leb()
	case op == opSelectTyped:
		n, err := r.u32()
		if err != nil {
			return false, err
		}

		for i := uint32(0); i < n; i++ {
			if err := skipValueType(r); err != nil {
				return false, err
			}
		}

		return false, nil
	case op >= opLocalGet && op <= opTableSet:
		return false, r.leb()
	case op >= opI32Load && op <= opI64Store32:
		align, err := r.u32()
		if err != nil {
			return false, err
		}

		if align&0x40 != 0 {
			if err := r.leb(); err != nil {
				return false, err
			}
		}

		return false, r.leb()
	case op == opMemorySize, op == opMemoryGrow, op == opI32Const, op == opI64Const:
		return false, r.leb()
	case op == opF32Const:
		return false, r.skip(4)
	case op == opF64Const:
		return false, r.skip(8)
	case op == opPrefixMisc:
		return false, skipMisc(r)
	default:
		return false, errors.Errorf("unsupported opcode 0x%02x", op)
	}
}

// miscOperands counts the immediates of the 0xfc prefixed bulk memory and
// table instructions. The saturating truncations below 8 take none.
var miscOperands = map[uint32]int{8: 2, 9: 1, 10: 2, 11: 1, 12: 2, 13: 1, 14: 2, 15: 1, 16: 1, 17: 1}

func skipMisc(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}

	if sub <= 7 {
		return nil
	}

	n, ok := miscOperands[sub]
	if !ok {
		return errors.Errorf("unsupported opcode 0xfc %d", sub)
	}

	for i := 0; i < n; i++ {
		if err := r.leb(); err != nil {
			return err
		}
	}

	return nil
}
