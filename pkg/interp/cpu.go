package interp

import (
	"encoding/binary"
	stderrors "errors"
	"sync/atomic"

	"github.com/google/uuid"

	"tci/pkg/constants"
	"tci/pkg/errors"
	"tci/pkg/helper"
	"tci/pkg/softmmu"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var (
	// ErrInterrupted is returned when Interrupt was called while running.
	ErrInterrupted = stderrors.New("interp: execution interrupted")
	// ErrStepLimit is returned when MaxSteps instructions have executed.
	ErrStepLimit = stderrors.New("interp: step limit reached")
)

// Tracer observes every instruction before it executes. Returning an error
// stops execution with that error.
type Tracer interface {
	Step(pc types.CodeAddr, insn tci.Word, cpu *CPU) error
}

// CPU is one execution context: register file, comparison flag, the
// context (vp) and stack (sp) areas, and guest memory. A CPU must only be
// run by one goroutine at a time.
type CPU struct {
	ID      uuid.UUID
	Width   types.Width
	Regs    [constants.NumRegisters]types.Register
	Cmp     bool
	Env     []byte
	Stack   []byte
	Mem     softmmu.Memory
	Helpers *helper.Table

	// TBPtr is the address of the most recent call instruction.
	TBPtr types.CodeAddr

	Tracer   Tracer
	MaxSteps uint64
	Steps    uint64

	interrupt atomic.Bool
}

// NewCPU creates a context with fresh env and stack areas and points vp and
// sp at them.
func NewCPU(width types.Width, mem softmmu.Memory, helpers *helper.Table) *CPU {
	c := &CPU{
		ID:      uuid.New(),
		Width:   width,
		Env:     make([]byte, constants.EnvSize),
		Stack:   make([]byte, constants.StackFrameSize),
		Mem:     mem,
		Helpers: helpers,
	}
	c.Reset()
	return c
}

// Reset clears the general registers and flag and restores vp and sp.
func (c *CPU) Reset() {
	c.Regs = [constants.NumRegisters]types.Register{}
	c.Regs[constants.RegEnv] = constants.EnvBase
	c.Regs[constants.RegStack] = constants.StackBase
	c.Cmp = false
	c.Steps = 0
	c.interrupt.Store(false)
}

// Interrupt asks a running Execute to stop at the next taken branch.
// It is safe to call from any goroutine. The request is consumed by the
// Execute that reports ErrInterrupted.
func (c *CPU) Interrupt() {
	c.interrupt.Store(true)
}

func (c *CPU) takeInterrupt() bool {
	return c.interrupt.CompareAndSwap(true, false)
}

// StackArg writes a call argument into slot i of the stack area, the way
// generated code does before a call.
func (c *CPU) StackArg(i int, v uint64) {
	binary.LittleEndian.PutUint64(c.Stack[i*constants.CallSlotSize:], v)
}

// hostBytes resolves a host address inside the env or stack area. Host
// accesses are made by generated code itself, so a bad one is a code
// generation bug rather than a guest fault.
func (c *CPU) hostBytes(addr uint64, size int) ([]byte, error) {
	if addr&uint64(size-1) != 0 {
		return nil, errors.InternalErrorf("unaligned %d-byte host access at %#x", size, addr)
	}
	if b, ok := window(c.Env, constants.EnvBase, addr, size); ok {
		return b, nil
	}
	if b, ok := window(c.Stack, constants.StackBase, addr, size); ok {
		return b, nil
	}
	return nil, errors.InternalErrorf("host access at %#x outside env and stack", addr)
}

func window(area []byte, base, addr uint64, size int) ([]byte, bool) {
	if addr < base {
		return nil, false
	}
	off := addr - base
	if off >= uint64(len(area)) || uint64(len(area))-off < uint64(size) {
		return nil, false
	}
	return area[off : off+uint64(size)], true
}

func (c *CPU) hostLoad(addr uint64, size int) (uint64, error) {
	b, err := c.hostBytes(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *CPU) hostStore(addr uint64, size int, v uint64) error {
	b, err := c.hostBytes(addr, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}
