package tci

import (
	stderrors "errors"
	"fmt"

	"tci/pkg/errors"
	"tci/pkg/types"
)

// ErrBufferFull is returned when an emit would exceed the buffer capacity.
// Callers restart the translation into fresh or larger storage.
var ErrBufferFull = stderrors.New("tci: code buffer full")

// Buffer owns the instruction words of one or more translation blocks.
// Word 0 is reserved so that address 0 can act as the null jump target.
type Buffer struct {
	words     []uint32
	limit     int
	jumpSlots []types.CodeAddr
}

// NewBuffer creates a buffer holding at most capWords words.
func NewBuffer(capWords int) *Buffer {
	if capWords < 2 {
		capWords = 2
	}
	b := &Buffer{
		words: make([]uint32, 1, capWords),
		limit: capWords,
	}
	return b
}

// Len is the address the next emitted word will occupy.
func (b *Buffer) Len() types.CodeAddr {
	return types.CodeAddr(len(b.words))
}

func (b *Buffer) Cap() int {
	return b.limit
}

// Words exposes the emitted words. The slice must not be retained across Reset.
func (b *Buffer) Words() []uint32 {
	return b.words
}

func (b *Buffer) Word(at types.CodeAddr) uint32 {
	return b.words[at]
}

// Emit appends one word.
func (b *Buffer) Emit(w uint32) error {
	if len(b.words) >= b.limit {
		return ErrBufferFull
	}
	b.words = append(b.words, w)
	return nil
}

// EmitAll appends words atomically: either all fit or none are written.
func (b *Buffer) EmitAll(ws []uint32) error {
	if len(b.words)+len(ws) > b.limit {
		return ErrBufferFull
	}
	b.words = append(b.words, ws...)
	return nil
}

// Patch rewrites an already emitted word.
func (b *Buffer) Patch(at types.CodeAddr, w uint32) error {
	if at == 0 || int(at) >= len(b.words) {
		return errors.InternalErrorf("patch address %d outside emitted code (len %d)", at, len(b.words))
	}
	b.words[at] = w
	return nil
}

// Truncate discards everything emitted at or after at.
func (b *Buffer) Truncate(at types.CodeAddr) {
	if at < 1 {
		at = 1
	}
	if int(at) < len(b.words) {
		b.words = b.words[:at]
	}
}

// Reset empties the buffer and its jump slots.
func (b *Buffer) Reset() {
	b.words = b.words[:1]
	b.jumpSlots = b.jumpSlots[:0]
}

// AllocJumpSlot reserves an indirect jump target for goto_tb. The returned
// handle is nonzero. A new slot is unlinked (target 0), and goto_tb through
// an unlinked slot falls through to the next instruction.
func (b *Buffer) AllocJumpSlot() uint64 {
	b.jumpSlots = append(b.jumpSlots, 0)
	return uint64(len(b.jumpSlots))
}

// SetJumpSlot links a jump slot to a target address.
func (b *Buffer) SetJumpSlot(slot uint64, target types.CodeAddr) error {
	if slot == 0 || slot > uint64(len(b.jumpSlots)) {
		return fmt.Errorf("jump slot %d not allocated", slot)
	}
	if int(target) >= len(b.words) {
		return fmt.Errorf("jump slot %d: target %d outside emitted code", slot, target)
	}
	b.jumpSlots[slot-1] = target
	return nil
}

// JumpSlot reads the target of a jump slot.
func (b *Buffer) JumpSlot(slot uint64) (types.CodeAddr, bool) {
	if slot == 0 || slot > uint64(len(b.jumpSlots)) {
		return 0, false
	}
	return b.jumpSlots[slot-1], true
}
