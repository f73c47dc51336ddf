package softmmu

import (
	"fmt"

	"tci/pkg/types"
)

type FaultKind uint8

const (
	FaultUnmapped FaultKind = iota
	FaultProtection
	FaultUnaligned
	FaultDivideByZero
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "unmapped"
	case FaultProtection:
		return "protection"
	case FaultUnaligned:
		return "unaligned"
	case FaultDivideByZero:
		return "divide by zero"
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// Fault aborts the current execution unit. RetAddr is the address of the
// instruction the fault is attributed to; it is filled in by whoever is
// closest to the interpreter when the fault crosses it.
type Fault struct {
	Addr    uint64
	Access  types.AccessType
	Kind    FaultKind
	MMUIdx  int
	RetAddr types.CodeAddr
}

func (f *Fault) Error() string {
	if f.Kind == FaultDivideByZero {
		return fmt.Sprintf("guest fault: %v at pc %d", f.Kind, f.RetAddr)
	}
	return fmt.Sprintf("guest fault: %v %v at %#x (mmu %d, pc %d)", f.Kind, f.Access, f.Addr, f.MMUIdx, f.RetAddr)
}

// Memory is the guest memory interface seen by the interpreter and helpers.
type Memory interface {
	Load(addr uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) (uint64, error)
	Store(addr, val uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) error
}

// Translator resolves a guest address to a host page offset within the RAM
// buffer, or refuses it with a *Fault.
type Translator interface {
	Translate(vaddr uint64, t types.AccessType, mmuIdx int) (hostPage uint64, access Access, err error)
}
