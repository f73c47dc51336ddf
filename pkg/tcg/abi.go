package tcg

import (
	"strings"

	"tci/pkg/constants"
	"tci/pkg/tci"
	"tci/pkg/types"
)

// Register indices as the code generator names them.
const (
	RegA uint8 = iota
	RegB
	RegC
	RegD
	RegE
	RegF
	RegVP
	RegSP
)

// RegSet is a bitmap over the eight interpreter registers.
type RegSet uint8

func (s RegSet) Has(r uint8) bool { return s&(1<<r) != 0 }
func (s RegSet) With(r uint8) RegSet { return s | 1<<r }
func (s RegSet) Without(r uint8) RegSet { return s &^ (1 << r) }
func (s RegSet) Union(other RegSet) RegSet { return s | other }

func (s RegSet) String() string {
	var names []string
	for r := uint8(0); r < tci.NumRegs; r++ {
		if s.Has(r) {
			names = append(names, tci.RegName(r))
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// AllRegs is every register; all of them can hold either value type.
const AllRegs RegSet = 0xff

// AllocOrder is the order a register allocator should hand out registers.
// It starts from the end so the call output registers are used last.
var AllocOrder = []uint8{RegF, RegE, RegD, RegC, RegB, RegA}

// ReservedRegs are never allocated. sp addresses the call and spill area;
// vp is the context pointer and is also kept out of allocation.
const ReservedRegs RegSet = 1<<RegSP | 1<<RegVP

// CallOutputRegs returns where a helper's result lands: A, plus B for the
// high half of a 64-bit result on a 32-bit host.
func CallOutputRegs(width types.Width) []uint8 {
	if width == types.Width32 {
		return []uint8{RegA, RegB}
	}
	return []uint8{RegA}
}

// CallClobbers is the set of registers a call may overwrite.
func CallClobbers(width types.Width) RegSet {
	var s RegSet
	for _, r := range CallOutputRegs(width) {
		s = s.With(r)
	}
	return s
}

// No argument travels in a register; every argument has an 8-byte stack
// slot starting at sp+0. Spill slots follow the argument area.
const (
	CallArgOffset = 0
	FrameStart    = constants.StaticCallArgsSize
	FrameEnd      = constants.StackFrameSize
)

// SpillOffset returns the sp-relative offset of spill slot n, or false when
// the frame has no such slot.
func SpillOffset(width types.Width, n int) (int32, bool) {
	off := FrameStart + n*width.Bytes()
	if n < 0 || off+width.Bytes() > FrameEnd {
		return 0, false
	}
	return int32(off), true
}

// MemOpIdx packs a memory operation and an MMU index into one constant
// argument for qemu_ld/qemu_st.
func MemOpIdx(op types.MemOp, mmuIdx int) int64 {
	return int64(op)<<4 | int64(mmuIdx&0xf)
}

// SplitMemOpIdx is the inverse of MemOpIdx.
func SplitMemOpIdx(oi int64) (types.MemOp, int) {
	return types.MemOp(oi >> 4), int(oi & 0xf)
}
