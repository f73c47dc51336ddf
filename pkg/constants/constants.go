package constants

// Register file
const (
	NumRegisters = 8
	RegEnv       = 6 // vp: context pointer
	RegStack     = 7 // sp: stack pointer
)

// Call frame layout
const (
	MaxCallArgs        = 16
	CallSlotSize       = 8
	StaticCallArgsSize = MaxCallArgs * CallSlotSize
	TempBufNLongs      = 128
	StackFrameSize     = StaticCallArgsSize + TempBufNLongs*8
)

// Software MMU
const (
	PageBits       = 12
	PageSize       = 1 << PageBits
	PageMask       = ^uint64(PageSize - 1)
	DefaultTLBSize = 256
	NumMMUModes    = 4
	DefaultRAMSize = 1 << 24
)

// Host address windows the interpreter hands out for the vp and sp regions.
const (
	EnvBase   = 0x10000000
	StackBase = 0x20000000
	EnvSize   = 1 << 16
)

// Code generation
const (
	DefaultBufferWords = 1 << 12
	MaxBufferWords     = 1 << 22
	DefaultMaxRetries  = 4
)
