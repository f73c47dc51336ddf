// Package tracestore persists execution traces in a pebble database. Every
// executed instruction becomes one CBOR record keyed by run id and step
// number, so a run reads back in execution order.
package tracestore

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"tci/pkg/constants"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var log = commonlog.GetLogger("tci.tracestore")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("tracestore: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// ErrUnknownRun is returned for a run id the store has no header for.
var ErrUnknownRun = stderrors.New("tracestore: unknown run")

var (
	runPrefix  = []byte("run/")
	stepPrefix = []byte("step/")
)

// Record is the machine state just before one instruction executed.
type Record struct {
	Step uint64                                 `cbor:"1,keyasint"`
	PC   types.CodeAddr                         `cbor:"2,keyasint"`
	Insn uint32                                 `cbor:"3,keyasint"`
	Text string                                 `cbor:"4,keyasint,omitempty"`
	Regs [constants.NumRegisters]types.Register `cbor:"5,keyasint"`
	Cmp  bool                                   `cbor:"6,keyasint"`
}

// Run is the header of one traced execution, written when it finishes.
type Run struct {
	ID    uuid.UUID      `cbor:"1,keyasint"`
	Name  string         `cbor:"2,keyasint"`
	Width types.Width    `cbor:"3,keyasint"`
	Start types.CodeAddr `cbor:"4,keyasint"`
	Steps uint64         `cbor:"5,keyasint"`
	Exit  uint64         `cbor:"6,keyasint"`
	Err   string         `cbor:"7,keyasint,omitempty"`
}

func runKey(id uuid.UUID) []byte {
	return append(append([]byte{}, runPrefix...), id[:]...)
}

func stepKey(id uuid.UUID, step uint64) []byte {
	key := make([]byte, 0, len(stepPrefix)+len(id)+8)
	key = append(key, stepPrefix...)
	key = append(key, id[:]...)
	return binary.BigEndian.AppendUint64(key, step)
}

// upperBound is the first key after every key starting with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Store is a trace database.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open trace store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run reads the header of a finished run.
func (s *Store) Run(id uuid.UUID) (*Run, error) {
	data, closer, err := s.db.Get(runKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w %s", ErrUnknownRun, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var r Run
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("tracestore: unmarshal run %s: %w", id, err)
	}
	return &r, nil
}

// Runs lists every finished run in id order.
func (s *Store) Runs() ([]Run, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: runPrefix, UpperBound: upperBound(runPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var runs []Run
	for iter.First(); iter.Valid(); iter.Next() {
		var r Run
		if err := cbor.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("tracestore: unmarshal run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, iter.Error()
}

// Records calls fn for every step of run id in execution order. Iteration
// stops at the first error fn returns.
func (s *Store) Records(id uuid.UUID, fn func(*Record) error) error {
	prefix := append(append([]byte{}, stepPrefix...), id[:]...)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var r Record
		if err := cbor.Unmarshal(iter.Value(), &r); err != nil {
			return fmt.Errorf("tracestore: unmarshal step: %w", err)
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Delete removes a run and all its steps.
func (s *Store) Delete(id uuid.UUID) error {
	b := s.db.NewBatch()
	defer b.Close()
	prefix := append(append([]byte{}, stepPrefix...), id[:]...)
	if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(runKey(id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Dump writes a run as text, one step per line.
func (s *Store) Dump(id uuid.UUID, w io.Writer) error {
	run, err := s.Run(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %s %q width=%v start=%d steps=%d exit=%#x\n", run.ID, run.Name, run.Width, run.Start, run.Steps, run.Exit)
	if run.Err != "" {
		fmt.Fprintf(w, "error: %s\n", run.Err)
	}
	return s.Records(id, func(r *Record) error {
		flag := 0
		if r.Cmp {
			flag = 1
		}
		_, err := fmt.Fprintf(w, "%8d  %6d  %08x  %-32s cmp=%d", r.Step, r.PC, r.Insn, r.Text, flag)
		if err != nil {
			return err
		}
		for i, v := range r.Regs {
			fmt.Fprintf(w, " %s=%#x", tci.RegName(uint8(i)), uint64(v))
		}
		_, err = fmt.Fprintln(w)
		return err
	})
}
