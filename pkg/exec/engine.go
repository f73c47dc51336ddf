// Package exec translates text IR programs into interpreter code, caches the
// results, and runs them on fresh CPUs.
package exec

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/crypto/blake2b"

	"tci/pkg/config"
	"tci/pkg/constants"
	"tci/pkg/helper"
	"tci/pkg/interp"
	"tci/pkg/softmmu"
	"tci/pkg/tcg"
	"tci/pkg/tcgtext"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var log = commonlog.GetLogger("tci.exec")

// Options configures an Engine.
type Options struct {
	Width       types.Width
	BufferWords int
	MaxRetries  int
	MMU         softmmu.Config
	RAMSize     uint64
	MaxSteps    uint64
}

func DefaultOptions() Options {
	return Options{
		Width:       types.Width64,
		BufferWords: constants.DefaultBufferWords,
		MaxRetries:  constants.DefaultMaxRetries,
		MMU:         softmmu.DefaultConfig(),
		RAMSize:     constants.DefaultRAMSize,
	}
}

// OptionsFromConfig converts a validated configuration.
func OptionsFromConfig(c *config.Config) (Options, error) {
	if err := c.Validate(); err != nil {
		return Options{}, err
	}
	width, _ := c.Width()
	return Options{
		Width:       width,
		BufferWords: c.Codegen.BufferWords,
		MaxRetries:  c.Codegen.MaxRetries,
		MMU:         c.MMU(),
		RAMSize:     c.Machine.RAMSize,
		MaxSteps:    c.Machine.MaxSteps,
	}, nil
}

// Block is one translated program. Blocks are immutable once cached and may
// run on several goroutines at once.
type Block struct {
	Name string
	Key  [32]byte
	TB   *tcg.TB
	Buf  *tci.Buffer
}

// Listing disassembles the block.
func (b *Block) Listing(d *tci.Disassembler) string {
	return d.Listing(b.Buf, b.TB.Start, b.TB.End)
}

// Stats counts engine activity since creation.
type Stats struct {
	Translations uint64
	CacheHits    uint64
	Retries      uint64
	Runs         uint64
	Faults       uint64
}

// Engine owns the translation cache and the helper table shared by every
// run. It is safe for concurrent use.
type Engine struct {
	opts    Options
	helpers *helper.Table

	mu    sync.RWMutex
	cache map[[32]byte]*Block

	translations atomic.Uint64
	hits         atomic.Uint64
	retries      atomic.Uint64
	runs         atomic.Uint64
	faults       atomic.Uint64
}

// New creates an engine. A nil helper table gets one with the built-in
// helpers printing to nowhere.
func New(opts Options, helpers *helper.Table) (*Engine, error) {
	if _, err := types.NewWidth(int(opts.Width)); err != nil {
		return nil, err
	}
	if opts.BufferWords < 2 {
		return nil, fmt.Errorf("buffer of %d words is too small", opts.BufferWords)
	}
	if helpers == nil {
		helpers = helper.NewTable()
		if err := helper.RegisterBuiltins(helpers, io.Discard); err != nil {
			return nil, err
		}
	}
	return &Engine{
		opts:    opts,
		helpers: helpers,
		cache:   make(map[[32]byte]*Block),
	}, nil
}

func (e *Engine) Helpers() *helper.Table { return e.helpers }

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) Stats() Stats {
	return Stats{
		Translations: e.translations.Load(),
		CacheHits:    e.hits.Load(),
		Retries:      e.retries.Load(),
		Runs:         e.runs.Load(),
		Faults:       e.faults.Load(),
	}
}

// cacheKey covers everything the generated code depends on.
func (e *Engine) cacheKey(src []byte) [32]byte {
	data := make([]byte, 0, len(src)+1)
	data = append(data, byte(e.opts.Width))
	data = append(data, src...)
	return blake2b.Sum256(data)
}

// Translate parses and assembles src, or returns the cached block for the
// same source. When the code does not fit, translation restarts in a buffer
// twice the size, up to MaxRetries times.
func (e *Engine) Translate(name string, src []byte) (*Block, error) {
	key := e.cacheKey(src)
	e.mu.RLock()
	b, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		e.hits.Add(1)
		log.Debugf("cache hit for %s", name)
		return b, nil
	}

	prog, err := tcgtext.Parse(name, bytes.NewReader(src))
	if err != nil {
		return nil, err
	}

	words := e.opts.BufferWords
	for attempt := 0; ; attempt++ {
		buf := tci.NewBuffer(words)
		tb, err := tcgtext.Compile(tcg.NewAssembler(buf, e.opts.Width, e.helpers), prog)
		if err == nil {
			b = &Block{Name: name, Key: key, TB: tb, Buf: buf}
			break
		}
		if !tcg.IsBufferFull(err) || attempt >= e.opts.MaxRetries || words >= constants.MaxBufferWords {
			return nil, err
		}
		words *= 2
		if words > constants.MaxBufferWords {
			words = constants.MaxBufferWords
		}
		e.retries.Add(1)
		log.Debugf("%s: code buffer full, retrying with %d words", name, words)
	}
	e.translations.Add(1)
	log.Infof("translated %s: %d ops into %d words", name, b.TB.Ops, b.TB.End-b.TB.Start)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.cache[key]; ok {
		return existing, nil
	}
	e.cache[key] = b
	return b, nil
}

// Evict drops every cached block.
func (e *Engine) Evict() {
	e.mu.Lock()
	e.cache = make(map[[32]byte]*Block)
	e.mu.Unlock()
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Regs are the initial values of a..f.
	Regs   []types.Register
	Tracer interp.Tracer
	// Setup, if set, is called on the CPU just before execution starts.
	Setup func(cpu *interp.CPU, mmu *softmmu.MMU) error
}

// Result is the outcome of a run. It keeps the run's guest memory mapped
// until Close, so stores can be read back through Memory or CPU.Mem.
type Result struct {
	Exit  uint64
	CPU   *interp.CPU
	Stats softmmu.Stats

	mmu *softmmu.MMU
}

// Memory returns the guest memory of the run, or nil after Close.
func (r *Result) Memory() *softmmu.MMU { return r.mmu }

// Close unmaps the run's guest memory. It is safe to call on a nil Result
// and more than once.
func (r *Result) Close() error {
	if r == nil || r.mmu == nil {
		return nil
	}
	err := r.mmu.RAM().Close()
	r.mmu = nil
	r.CPU.Mem = nil
	return err
}

// newMMU maps fresh guest RAM. Guest page 0 stays unmapped so that null
// accesses fault.
func (e *Engine) newMMU() (*softmmu.MMU, error) {
	ram, err := softmmu.NewRAM(e.opts.RAMSize)
	if err != nil {
		return nil, err
	}
	if ram.Size() > softmmu.PageSize {
		if err := ram.MutateAccessRange(softmmu.PageSize, ram.Size()-softmmu.PageSize, softmmu.ReadWrite); err != nil {
			ram.Close()
			return nil, err
		}
	}
	mmu, err := softmmu.NewMMU(ram, nil, e.opts.MMU)
	if err != nil {
		ram.Close()
		return nil, err
	}
	return mmu, nil
}

// Run executes b on a new CPU with its own guest memory. Cancelling ctx
// interrupts the CPU at its next taken branch; the run then fails with
// ctx.Err(). Whenever the returned Result is non-nil, the caller must Close
// it, including when err is also non-nil.
func (e *Engine) Run(ctx context.Context, b *Block, opts RunOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.Regs) > int(tcg.RegF)+1 {
		return nil, fmt.Errorf("%d initial registers given, at most %d allowed", len(opts.Regs), tcg.RegF+1)
	}
	mmu, err := e.newMMU()
	if err != nil {
		return nil, err
	}

	cpu := interp.NewCPU(e.opts.Width, mmu, e.helpers)
	cpu.MaxSteps = e.opts.MaxSteps
	cpu.Tracer = opts.Tracer
	for i, v := range opts.Regs {
		cpu.Regs[i] = types.Register(e.opts.Width.Truncate(uint64(v)))
	}
	res := &Result{CPU: cpu, mmu: mmu}
	if opts.Setup != nil {
		if err := opts.Setup(cpu, mmu); err != nil {
			res.Close()
			return nil, err
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cpu.Interrupt()
		case <-done:
		}
	}()
	e.runs.Add(1)
	log.Debugf("run %s on cpu %s", b.Name, cpu.ID)
	ret, err := interp.Execute(cpu, b.Buf, b.TB.Start)
	close(done)

	res.Exit = ret
	res.Stats = mmu.Stats()
	if err != nil {
		var fault *softmmu.Fault
		if stderrors.As(err, &fault) {
			e.faults.Add(1)
			log.Warningf("%s: %v", b.Name, fault)
		}
		if stderrors.Is(err, interp.ErrInterrupted) && ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, err
	}
	return res, nil
}

// RunSource translates and runs in one step.
func (e *Engine) RunSource(ctx context.Context, name string, src []byte, opts RunOptions) (*Result, error) {
	b, err := e.Translate(name, src)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, b, opts)
}
