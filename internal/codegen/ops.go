package codegen

import (
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// width masks and sign-extends integer stack values to an operation size.
type width struct {
	bits  uint
	mask  uint64
	shift uint64
}

func widthOf(size guest.RegisterSize) width {
	if size == guest.Int32 {
		return width{bits: 32, mask: 0xffffffff, shift: 31}
	}
	return width{bits: 64, mask: ^uint64(0), shift: 63}
}

func (w width) u(v uint64) uint64 { return v & w.mask }

func (w width) s(v uint64) int64 {
	if w.bits == 32 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

func (w width) amount(v uint64) uint64 { return v & w.shift }

func binary(f func(a, b uint64) uint64) instr {
	return func(m *machine) {
		b := m.pop()
		a := m.pop()
		m.push(ir.Value{Lo: f(a.Lo, b.Lo)})
	}
}

func unary(f func(a uint64) uint64) instr {
	return func(m *machine) {
		a := m.pop()
		m.push(ir.Value{Lo: f(a.Lo)})
	}
}

func compare(f func(a, b uint64) bool) instr {
	return func(m *machine) {
		b := m.pop()
		a := m.pop()
		m.push(ir.Bool(f(a.Lo, b.Lo)))
	}
}

// rawInstr returns the instruction of a raw code at the given size.
// Narrow operations produce zero-extended results.
func rawInstr(code ir.RawCode, size guest.RegisterSize) (instr, bool) {
	w := widthOf(size)
	switch code {
	case ir.Add:
		return binary(func(a, b uint64) uint64 { return w.u(a + b) }), true
	case ir.Sub:
		return binary(func(a, b uint64) uint64 { return w.u(a - b) }), true
	case ir.Mul:
		return binary(func(a, b uint64) uint64 { return w.u(a * b) }), true
	case ir.And:
		return binary(func(a, b uint64) uint64 { return w.u(a & b) }), true
	case ir.Or:
		return binary(func(a, b uint64) uint64 { return w.u(a | b) }), true
	case ir.Xor:
		return binary(func(a, b uint64) uint64 { return w.u(a ^ b) }), true
	case ir.Not:
		return unary(func(a uint64) uint64 { return w.u(^a) }), true
	case ir.Neg:
		return unary(func(a uint64) uint64 { return w.u(-a) }), true
	case ir.Shl:
		return binary(func(a, b uint64) uint64 { return w.u(a << w.amount(b)) }), true
	case ir.ShrUn:
		return binary(func(a, b uint64) uint64 { return w.u(a) >> w.amount(b) }), true
	case ir.Shr:
		return binary(func(a, b uint64) uint64 { return w.u(uint64(w.s(a) >> w.amount(b))) }), true
	case ir.Ceq:
		return compare(func(a, b uint64) bool { return w.u(a) == w.u(b) }), true
	case ir.Clt:
		return compare(func(a, b uint64) bool { return w.s(a) < w.s(b) }), true
	case ir.CltUn:
		return compare(func(a, b uint64) bool { return w.u(a) < w.u(b) }), true
	case ir.Cgt:
		return compare(func(a, b uint64) bool { return w.s(a) > w.s(b) }), true
	case ir.CgtUn:
		return compare(func(a, b uint64) bool { return w.u(a) > w.u(b) }), true
	case ir.Dup:
		return func(m *machine) { m.push(m.peek()) }, true
	case ir.Pop:
		return func(m *machine) { m.pop() }, true
	case ir.Ret:
		return func(m *machine) {
			m.ret = m.pop().Lo
			m.done = true
		}, true
	case ir.ConvU4:
		return unary(func(a uint64) uint64 { return uint64(uint32(a)) }), true
	case ir.ConvI4:
		return unary(func(a uint64) uint64 { return uint64(int64(int32(uint32(a)))) }), true
	case ir.ConvU8:
		return unary(func(a uint64) uint64 { return w.u(a) }), true
	case ir.ConvI8:
		return unary(func(a uint64) uint64 { return uint64(w.s(a)) }), true
	case ir.VecDup:
		full := size == guest.Simd128
		return func(m *machine) {
			a := m.pop().Lo
			v := ir.Value{Lo: a}
			if full {
				v.Hi = a
			}
			m.push(v)
		}, true
	case ir.VecAdd:
		full := size == guest.Simd128
		return func(m *machine) {
			b := m.pop()
			a := m.pop()
			v := ir.Value{Lo: a.Lo + b.Lo}
			if full {
				v.Hi = a.Hi + b.Hi
			}
			m.push(v)
		}, true
	case ir.VecLow:
		return unary(func(a uint64) uint64 { return a }), true
	}
	return nil, false
}

// branchTest returns the condition of a branch code, popping its operands.
func branchTest(code ir.BranchCode, size guest.RegisterSize) (func(m *machine) bool, bool) {
	w := widthOf(size)
	two := func(f func(a, b uint64) bool) func(m *machine) bool {
		return func(m *machine) bool {
			b := m.pop()
			a := m.pop()
			return f(a.Lo, b.Lo)
		}
	}
	switch code {
	case ir.Br:
		return func(*machine) bool { return true }, true
	case ir.Brtrue:
		return func(m *machine) bool { return w.u(m.pop().Lo) != 0 }, true
	case ir.Brfalse:
		return func(m *machine) bool { return w.u(m.pop().Lo) == 0 }, true
	case ir.Beq:
		return two(func(a, b uint64) bool { return w.u(a) == w.u(b) }), true
	case ir.BneUn:
		return two(func(a, b uint64) bool { return w.u(a) != w.u(b) }), true
	case ir.Bge:
		return two(func(a, b uint64) bool { return w.s(a) >= w.s(b) }), true
	case ir.BgeUn:
		return two(func(a, b uint64) bool { return w.u(a) >= w.u(b) }), true
	case ir.Bgt:
		return two(func(a, b uint64) bool { return w.s(a) > w.s(b) }), true
	case ir.BgtUn:
		return two(func(a, b uint64) bool { return w.u(a) > w.u(b) }), true
	case ir.Ble:
		return two(func(a, b uint64) bool { return w.s(a) <= w.s(b) }), true
	case ir.BleUn:
		return two(func(a, b uint64) bool { return w.u(a) <= w.u(b) }), true
	case ir.Blt:
		return two(func(a, b uint64) bool { return w.s(a) < w.s(b) }), true
	case ir.BltUn:
		return two(func(a, b uint64) bool { return w.u(a) < w.u(b) }), true
	}
	return nil, false
}

// loadInstr pushes a local, keeping only the bits of the op size.
func loadInstr(slot int, class ir.RegisterClass, size guest.RegisterSize) instr {
	switch {
	case class == ir.Vector && size == guest.Simd64:
		return func(m *machine) { m.push(ir.Value{Lo: m.locals[slot].Lo}) }
	case class == ir.Vector:
		return func(m *machine) {
			v := m.locals[slot]
			m.push(ir.Value{Lo: v.Lo, Hi: v.Hi})
		}
	case size == guest.Int32:
		return func(m *machine) { m.push(ir.Value{Lo: uint64(uint32(m.locals[slot].Lo))}) }
	default:
		return func(m *machine) { m.push(ir.Value{Lo: m.locals[slot].Lo}) }
	}
}

// storeInstr pops into a local. Narrow stores zero-extend into the slot and
// flag stores normalise to 0 or 1.
func storeInstr(slot int, class ir.RegisterClass, size guest.RegisterSize) instr {
	switch {
	case class == ir.Flag:
		return func(m *machine) { m.locals[slot] = ir.Bool(m.pop().Lo != 0) }
	case class == ir.Vector && size == guest.Simd64:
		return func(m *machine) { m.locals[slot] = ir.Value{Lo: m.pop().Lo} }
	case class == ir.Vector:
		return func(m *machine) {
			v := m.pop()
			m.locals[slot] = ir.Value{Lo: v.Lo, Hi: v.Hi}
		}
	case size == guest.Int32:
		return func(m *machine) { m.locals[slot] = ir.Value{Lo: uint64(uint32(m.pop().Lo))} }
	default:
		return func(m *machine) { m.locals[slot] = ir.Value{Lo: m.pop().Lo} }
	}
}
