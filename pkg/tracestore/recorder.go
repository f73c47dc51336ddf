package tracestore

import (
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"tci/pkg/interp"
	"tci/pkg/tci"
	"tci/pkg/types"
)

// DefaultFlushEvery is how many steps a Recorder batches before committing.
const DefaultFlushEvery = 4096

// Recorder is an interp.Tracer that writes every step into the store.
// Steps are batched and committed every FlushEvery records and by Finish.
type Recorder struct {
	store *Store
	run   Run
	batch *pebble.Batch
	count int

	// Disas and Buf, when both set, add a disassembly of each step.
	Disas *tci.Disassembler
	Buf   *tci.Buffer

	FlushEvery int
}

var _ interp.Tracer = (*Recorder)(nil)

// NewRecorder starts recording a run. The run id is usually the CPU id.
func (s *Store) NewRecorder(id uuid.UUID, name string, width types.Width, start types.CodeAddr) *Recorder {
	return &Recorder{
		store:      s,
		run:        Run{ID: id, Name: name, Width: width, Start: start},
		batch:      s.db.NewBatch(),
		FlushEvery: DefaultFlushEvery,
	}
}

func (r *Recorder) ID() uuid.UUID { return r.run.ID }

func (r *Recorder) Step(pc types.CodeAddr, insn tci.Word, cpu *interp.CPU) error {
	rec := Record{Step: r.run.Steps, PC: pc, Insn: uint32(insn), Regs: cpu.Regs, Cmp: cpu.Cmp}
	if r.Disas != nil && r.Buf != nil {
		rec.Text, _ = r.Disas.Insn(r.Buf.Words(), int(pc))
	}
	data, err := encMode.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := r.batch.Set(stepKey(r.run.ID, r.run.Steps), data, nil); err != nil {
		return err
	}
	r.run.Steps++
	r.count++
	if r.FlushEvery > 0 && r.count >= r.FlushEvery {
		return r.flush()
	}
	return nil
}

func (r *Recorder) flush() error {
	if r.count == 0 {
		return nil
	}
	if err := r.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	r.batch.Close()
	r.batch = r.store.db.NewBatch()
	r.count = 0
	return nil
}

// Finish commits the remaining steps and writes the run header. runErr is
// the error the execution ended with, if any.
func (r *Recorder) Finish(exit uint64, runErr error) error {
	defer r.batch.Close()
	r.run.Exit = exit
	if runErr != nil {
		r.run.Err = runErr.Error()
	}
	data, err := encMode.Marshal(&r.run)
	if err != nil {
		return err
	}
	if err := r.batch.Set(runKey(r.run.ID), data, nil); err != nil {
		return err
	}
	if err := r.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	log.Infof("recorded run %s: %d steps", r.run.ID, r.run.Steps)
	return nil
}
