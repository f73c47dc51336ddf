package tcg

import (
	"fmt"
	"strings"

	"tci/pkg/tci"
	"tci/pkg/types"
)

// Opc is an IR operation accepted by the Assembler.
type Opc uint8

const (
	OpInvalid Opc = iota

	OpBr
	OpBrcondI32
	OpBrcondI64
	OpBrcond2I32
	OpSetcondI32
	OpSetcondI64
	OpSetcond2I32
	OpMovcondI32
	OpMovcondI64

	OpMovI32
	OpMovI64
	OpMoviI32
	OpMoviI64

	OpLd8uI32
	OpLd8sI32
	OpLd16uI32
	OpLd16sI32
	OpLdI32
	OpLd8uI64
	OpLd8sI64
	OpLd16uI64
	OpLd16sI64
	OpLd32uI64
	OpLd32sI64
	OpLdI64

	OpSt8I32
	OpSt16I32
	OpStI32
	OpSt8I64
	OpSt16I64
	OpSt32I64
	OpStI64

	OpAddI32
	OpSubI32
	OpMulI32
	OpDivI32
	OpRemI32
	OpDivuI32
	OpRemuI32
	OpAndI32
	OpOrI32
	OpXorI32
	OpAndcI32
	OpOrcI32
	OpEqvI32
	OpNandI32
	OpNorI32
	OpShlI32
	OpShrI32
	OpSarI32
	OpRotlI32
	OpRotrI32
	OpClzI32
	OpCtzI32

	OpAddI64
	OpSubI64
	OpMulI64
	OpDivI64
	OpRemI64
	OpDivuI64
	OpRemuI64
	OpAndI64
	OpOrI64
	OpXorI64
	OpAndcI64
	OpOrcI64
	OpEqvI64
	OpNandI64
	OpNorI64
	OpShlI64
	OpShrI64
	OpSarI64
	OpRotlI64
	OpRotrI64
	OpClzI64
	OpCtzI64

	OpCtpopI32
	OpCtpopI64
	OpBswap16I32
	OpBswap32I32
	OpBswap16I64
	OpBswap32I64
	OpBswap64I64

	OpExt8sI32
	OpExt8uI32
	OpExt16sI32
	OpExt16uI32
	OpExt8sI64
	OpExt8uI64
	OpExt16sI64
	OpExt16uI64
	OpExt32sI64
	OpExt32uI64
	OpExtI32I64
	OpExtuI32I64

	OpExtractI32
	OpExtractI64
	OpSextractI32
	OpSextractI64
	OpDepositI32
	OpDepositI64

	OpAdd2I32
	OpSub2I32
	OpMulu2I32
	OpMuls2I32
	OpAdd2I64
	OpSub2I64
	OpMulu2I64
	OpMuls2I64

	OpQemuLdI32
	OpQemuLdI64
	OpQemuStI32
	OpQemuStI64

	OpExitTB
	OpGotoTB
	OpGotoPtr
	OpMb

	NumOps
)

type OpFlags uint8

const (
	// FlagI64 marks operations on 64-bit values. They need a 64-bit host
	// unless FlagPairs is also set.
	FlagI64 OpFlags = 1 << iota
	// FlagHost32 marks operations only a 32-bit host provides.
	FlagHost32
	// FlagHostWidth marks operations only provided for the host word type.
	FlagHostWidth
	// FlagPairs marks 64-bit operations that a 32-bit host splits into
	// register pairs.
	FlagPairs
	// FlagBranch marks operations whose last argument is a label.
	FlagBranch
)

// OpDef describes the operands of an IR operation: outputs, then inputs,
// then constant arguments (conditions, offsets, field positions, memory
// operation indices, labels). Constraints holds one constraint string per
// output and input: "r" needs a register, "e" also accepts a constant that
// fits in 32 signed bits, "i" accepts any constant.
type OpDef struct {
	Name        string
	Outs        int
	Ins         int
	Consts      int
	Flags       OpFlags
	Constraints []string
	TCI         tci.Opcode
}

func def(name string, outs, ins, consts int, flags OpFlags, ct string, op tci.Opcode) OpDef {
	var c []string
	if ct != "" {
		c = strings.Fields(ct)
	}
	return OpDef{Name: name, Outs: outs, Ins: ins, Consts: consts, Flags: flags, Constraints: c, TCI: op}
}

const i64 = FlagI64

var opDefs = [NumOps]OpDef{
	OpInvalid: def("invalid", 0, 0, 0, 0, "", tci.OpInvalid),

	OpBr:          def("br", 0, 0, 1, FlagBranch, "", tci.OpB),
	OpBrcondI32:   def("brcond_i32", 0, 2, 2, FlagBranch, "re re", tci.OpBc),
	OpBrcondI64:   def("brcond_i64", 0, 2, 2, FlagBranch|i64, "re re", tci.OpBc),
	OpBrcond2I32:  def("brcond2_i32", 0, 4, 2, FlagBranch|FlagHost32, "r r re re", tci.OpBc),
	OpSetcondI32:  def("setcond_i32", 1, 2, 1, 0, "r re re", tci.OpSetc),
	OpSetcondI64:  def("setcond_i64", 1, 2, 1, i64, "r re re", tci.OpSetc),
	OpSetcond2I32: def("setcond2_i32", 1, 4, 1, FlagHost32, "r r r re re", tci.OpSetc),
	OpMovcondI32:  def("movcond_i32", 1, 4, 1, 0, "r re re re re", tci.OpMovc),
	OpMovcondI64:  def("movcond_i64", 1, 4, 1, i64, "r re re re re", tci.OpMovc),

	OpMovI32:  def("mov_i32", 1, 1, 0, 0, "r r", tci.OpIor),
	OpMovI64:  def("mov_i64", 1, 1, 0, i64, "r r", tci.OpIor),
	OpMoviI32: def("movi_i32", 1, 0, 1, 0, "r", tci.OpIor),
	OpMoviI64: def("movi_i64", 1, 0, 1, i64, "r", tci.OpIor),

	OpLd8uI32:  def("ld8u_i32", 1, 1, 1, 0, "r r", tci.OpLd1u),
	OpLd8sI32:  def("ld8s_i32", 1, 1, 1, 0, "r r", tci.OpLd1s),
	OpLd16uI32: def("ld16u_i32", 1, 1, 1, 0, "r r", tci.OpLd2u),
	OpLd16sI32: def("ld16s_i32", 1, 1, 1, 0, "r r", tci.OpLd2s),
	OpLdI32:    def("ld_i32", 1, 1, 1, 0, "r r", tci.OpLd4u),
	OpLd8uI64:  def("ld8u_i64", 1, 1, 1, i64, "r r", tci.OpLd1u),
	OpLd8sI64:  def("ld8s_i64", 1, 1, 1, i64, "r r", tci.OpLd1s),
	OpLd16uI64: def("ld16u_i64", 1, 1, 1, i64, "r r", tci.OpLd2u),
	OpLd16sI64: def("ld16s_i64", 1, 1, 1, i64, "r r", tci.OpLd2s),
	OpLd32uI64: def("ld32u_i64", 1, 1, 1, i64, "r r", tci.OpLd4u),
	OpLd32sI64: def("ld32s_i64", 1, 1, 1, i64, "r r", tci.OpLd4s),
	OpLdI64:    def("ld_i64", 1, 1, 1, i64, "r r", tci.OpLd8),

	OpSt8I32:  def("st8_i32", 0, 2, 1, 0, "re r", tci.OpSt1),
	OpSt16I32: def("st16_i32", 0, 2, 1, 0, "re r", tci.OpSt2),
	OpStI32:   def("st_i32", 0, 2, 1, 0, "re r", tci.OpSt4),
	OpSt8I64:  def("st8_i64", 0, 2, 1, i64, "re r", tci.OpSt1),
	OpSt16I64: def("st16_i64", 0, 2, 1, i64, "re r", tci.OpSt2),
	OpSt32I64: def("st32_i64", 0, 2, 1, i64, "re r", tci.OpSt4),
	OpStI64:   def("st_i64", 0, 2, 1, i64, "re r", tci.OpSt8),

	OpAddI32:  def("add_i32", 1, 2, 0, 0, "r re re", tci.OpAdd),
	OpSubI32:  def("sub_i32", 1, 2, 0, 0, "r re re", tci.OpSub),
	OpMulI32:  def("mul_i32", 1, 2, 0, 0, "r re re", tci.OpMul),
	OpDivI32:  def("div_i32", 1, 2, 0, 0, "r re re", tci.OpDivs),
	OpRemI32:  def("rem_i32", 1, 2, 0, 0, "r re re", tci.OpRems),
	OpDivuI32: def("divu_i32", 1, 2, 0, 0, "r re re", tci.OpDivu),
	OpRemuI32: def("remu_i32", 1, 2, 0, 0, "r re re", tci.OpRemu),
	OpAndI32:  def("and_i32", 1, 2, 0, 0, "r re re", tci.OpAnd),
	OpOrI32:   def("or_i32", 1, 2, 0, 0, "r re re", tci.OpIor),
	OpXorI32:  def("xor_i32", 1, 2, 0, 0, "r re re", tci.OpXor),
	OpAndcI32: def("andc_i32", 1, 2, 0, 0, "r re re", tci.OpAndc),
	OpOrcI32:  def("orc_i32", 1, 2, 0, 0, "r re re", tci.OpIorc),
	OpEqvI32:  def("eqv_i32", 1, 2, 0, 0, "r re re", tci.OpXorc),
	OpNandI32: def("nand_i32", 1, 2, 0, 0, "r re re", tci.OpNand),
	OpNorI32:  def("nor_i32", 1, 2, 0, 0, "r re re", tci.OpNior),
	OpShlI32:  def("shl_i32", 1, 2, 0, 0, "r re re", tci.OpShl),
	OpShrI32:  def("shr_i32", 1, 2, 0, 0, "r re re", tci.OpShr4),
	OpSarI32:  def("sar_i32", 1, 2, 0, 0, "r re re", tci.OpSar4),
	OpRotlI32: def("rotl_i32", 1, 2, 0, 0, "r re re", tci.OpRol4),
	OpRotrI32: def("rotr_i32", 1, 2, 0, 0, "r re re", tci.OpRor4),
	OpClzI32:  def("clz_i32", 1, 2, 0, FlagHostWidth, "r r re", tci.OpClz),
	OpCtzI32:  def("ctz_i32", 1, 2, 0, FlagHostWidth, "r r re", tci.OpCtz),

	OpAddI64:  def("add_i64", 1, 2, 0, i64, "r re re", tci.OpAdd),
	OpSubI64:  def("sub_i64", 1, 2, 0, i64, "r re re", tci.OpSub),
	OpMulI64:  def("mul_i64", 1, 2, 0, i64, "r re re", tci.OpMul),
	OpDivI64:  def("div_i64", 1, 2, 0, i64, "r re re", tci.OpDivs),
	OpRemI64:  def("rem_i64", 1, 2, 0, i64, "r re re", tci.OpRems),
	OpDivuI64: def("divu_i64", 1, 2, 0, i64, "r re re", tci.OpDivu),
	OpRemuI64: def("remu_i64", 1, 2, 0, i64, "r re re", tci.OpRemu),
	OpAndI64:  def("and_i64", 1, 2, 0, i64, "r re re", tci.OpAnd),
	OpOrI64:   def("or_i64", 1, 2, 0, i64, "r re re", tci.OpIor),
	OpXorI64:  def("xor_i64", 1, 2, 0, i64, "r re re", tci.OpXor),
	OpAndcI64: def("andc_i64", 1, 2, 0, i64, "r re re", tci.OpAndc),
	OpOrcI64:  def("orc_i64", 1, 2, 0, i64, "r re re", tci.OpIorc),
	OpEqvI64:  def("eqv_i64", 1, 2, 0, i64, "r re re", tci.OpXorc),
	OpNandI64: def("nand_i64", 1, 2, 0, i64, "r re re", tci.OpNand),
	OpNorI64:  def("nor_i64", 1, 2, 0, i64, "r re re", tci.OpNior),
	OpShlI64:  def("shl_i64", 1, 2, 0, i64, "r re re", tci.OpShl),
	OpShrI64:  def("shr_i64", 1, 2, 0, i64, "r re re", tci.OpShr8),
	OpSarI64:  def("sar_i64", 1, 2, 0, i64, "r re re", tci.OpSar8),
	OpRotlI64: def("rotl_i64", 1, 2, 0, i64, "r re re", tci.OpRol8),
	OpRotrI64: def("rotr_i64", 1, 2, 0, i64, "r re re", tci.OpRor8),
	OpClzI64:  def("clz_i64", 1, 2, 0, i64|FlagHostWidth, "r r re", tci.OpClz),
	OpCtzI64:  def("ctz_i64", 1, 2, 0, i64|FlagHostWidth, "r r re", tci.OpCtz),

	OpCtpopI32:   def("ctpop_i32", 1, 1, 0, FlagHostWidth, "r r", tci.OpCtpop),
	OpCtpopI64:   def("ctpop_i64", 1, 1, 0, i64|FlagHostWidth, "r r", tci.OpCtpop),
	OpBswap16I32: def("bswap16_i32", 1, 1, 0, 0, "r r", tci.OpBswap2),
	OpBswap32I32: def("bswap32_i32", 1, 1, 0, 0, "r r", tci.OpBswap4),
	OpBswap16I64: def("bswap16_i64", 1, 1, 0, i64, "r r", tci.OpBswap2),
	OpBswap32I64: def("bswap32_i64", 1, 1, 0, i64, "r r", tci.OpBswap4),
	OpBswap64I64: def("bswap64_i64", 1, 1, 0, i64, "r r", tci.OpBswap8),

	OpExt8sI32:   def("ext8s_i32", 1, 1, 0, 0, "r r", tci.OpSextract),
	OpExt8uI32:   def("ext8u_i32", 1, 1, 0, 0, "r r", tci.OpAnd),
	OpExt16sI32:  def("ext16s_i32", 1, 1, 0, 0, "r r", tci.OpSextract),
	OpExt16uI32:  def("ext16u_i32", 1, 1, 0, 0, "r r", tci.OpExtract),
	OpExt8sI64:   def("ext8s_i64", 1, 1, 0, i64, "r r", tci.OpSextract),
	OpExt8uI64:   def("ext8u_i64", 1, 1, 0, i64, "r r", tci.OpAnd),
	OpExt16sI64:  def("ext16s_i64", 1, 1, 0, i64, "r r", tci.OpSextract),
	OpExt16uI64:  def("ext16u_i64", 1, 1, 0, i64, "r r", tci.OpExtract),
	OpExt32sI64:  def("ext32s_i64", 1, 1, 0, i64, "r r", tci.OpSextract),
	OpExt32uI64:  def("ext32u_i64", 1, 1, 0, i64, "r r", tci.OpConcat4),
	OpExtI32I64:  def("ext_i32_i64", 1, 1, 0, i64, "r r", tci.OpSextract),
	OpExtuI32I64: def("extu_i32_i64", 1, 1, 0, i64, "r r", tci.OpConcat4),

	OpExtractI32:  def("extract_i32", 1, 1, 2, 0, "r r", tci.OpExtract),
	OpExtractI64:  def("extract_i64", 1, 1, 2, i64, "r r", tci.OpExtract),
	OpSextractI32: def("sextract_i32", 1, 1, 2, 0, "r r", tci.OpSextract),
	OpSextractI64: def("sextract_i64", 1, 1, 2, i64, "r r", tci.OpSextract),
	OpDepositI32:  def("deposit_i32", 1, 2, 2, 0, "r r re", tci.OpDeposit),
	OpDepositI64:  def("deposit_i64", 1, 2, 2, i64, "r r re", tci.OpDeposit),

	OpAdd2I32:  def("add2_i32", 2, 4, 0, FlagHostWidth, "r r r r re re", tci.OpAdd2),
	OpSub2I32:  def("sub2_i32", 2, 4, 0, FlagHostWidth, "r r r r re re", tci.OpSub2),
	OpMulu2I32: def("mulu2_i32", 2, 2, 0, FlagHostWidth, "r r re re", tci.OpMulu2),
	OpMuls2I32: def("muls2_i32", 2, 2, 0, FlagHostWidth, "r r re re", tci.OpMuls2),
	OpAdd2I64:  def("add2_i64", 2, 4, 0, i64|FlagHostWidth, "r r r r re re", tci.OpAdd2),
	OpSub2I64:  def("sub2_i64", 2, 4, 0, i64|FlagHostWidth, "r r r r re re", tci.OpSub2),
	OpMulu2I64: def("mulu2_i64", 2, 2, 0, i64|FlagHostWidth, "r r re re", tci.OpMulu2),
	OpMuls2I64: def("muls2_i64", 2, 2, 0, i64|FlagHostWidth, "r r re re", tci.OpMuls2),

	OpQemuLdI32: def("qemu_ld_i32", 1, 1, 1, 0, "r r", tci.OpInvalid),
	OpQemuLdI64: def("qemu_ld_i64", 1, 1, 1, i64|FlagPairs, "r r", tci.OpInvalid),
	OpQemuStI32: def("qemu_st_i32", 0, 2, 1, 0, "re r", tci.OpInvalid),
	OpQemuStI64: def("qemu_st_i64", 0, 2, 1, i64|FlagPairs, "re r", tci.OpInvalid),

	OpExitTB:  def("exit_tb", 0, 0, 1, 0, "", tci.OpExit),
	OpGotoTB:  def("goto_tb", 0, 0, 1, 0, "", tci.OpGotoTB),
	OpGotoPtr: def("goto_ptr", 0, 1, 0, 0, "r", tci.OpGotoPtr),
	OpMb:      def("mb", 0, 0, 1, 0, "", tci.OpMb),
}

var opByName = func() map[string]Opc {
	m := make(map[string]Opc, NumOps)
	for i := Opc(1); i < NumOps; i++ {
		if opDefs[i].Name == "" {
			panic(fmt.Sprintf("tcg: op %d has no definition", i))
		}
		m[opDefs[i].Name] = i
	}
	return m
}()

// LookupOp finds an operation by its IR name, e.g. "add_i32".
func LookupOp(name string) (Opc, bool) {
	op, ok := opByName[name]
	return op, ok
}

func (o Opc) String() string {
	if o < NumOps {
		return opDefs[o].Name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Def returns the operand layout of o as seen on a host of the given width.
// 64-bit guest memory operations take register pairs on a 32-bit host.
func (o Opc) Def(width types.Width) OpDef {
	d := opDefs[o]
	if width == types.Width32 && d.Flags&FlagPairs != 0 {
		switch o {
		case OpQemuLdI64:
			d.Outs, d.Constraints = 2, []string{"r", "r", "r"}
		case OpQemuStI64:
			d.Ins, d.Constraints = 3, []string{"ri", "r", "r"}
		}
	}
	return d
}

// Supported reports whether a host of the given width provides o.
func (o Opc) Supported(width types.Width) bool {
	if o == OpInvalid || o >= NumOps {
		return false
	}
	f := opDefs[o].Flags
	is64 := width == types.Width64
	switch {
	case f&FlagHost32 != 0 && is64:
		return false
	case f&FlagHostWidth != 0:
		return (f&FlagI64 != 0) == is64
	case f&FlagI64 != 0 && f&FlagPairs == 0 && !is64:
		return false
	}
	return true
}

// Is64 reports whether o operates on 64-bit values.
func (o Opc) Is64() bool {
	return opDefs[o].Flags&FlagI64 != 0
}
