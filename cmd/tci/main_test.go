package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"tci/pkg/config"
	"tci/pkg/tracestore"
	"tci/pkg/types"
)

func TestParseRegs(t *testing.T) {
	got, err := parseRegs("3, 0x10,-1,18446744073709551615")
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Register{3, 16, 0xffffffffffffffff, 0xffffffffffffffff}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	if _, err := parseRegs("1,x"); err == nil {
		t.Error("expected error for non-numeric register")
	}
}

func TestTranslateExample(t *testing.T) {
	for _, bits := range []int{32, 64} {
		cfg := config.Default()
		cfg.Machine.Bits = bits
		_, b, err := translate(cfg, "testdata/countdown.tcg")
		if bits == 32 {
			// The example uses 64-bit operations.
			if err == nil {
				t.Error("32-bit translation of a 64-bit program succeeded")
			}
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if b.TB.Ops == 0 {
			t.Error("translated block is empty")
		}
	}
}

func TestRunRecordsWhenTraceEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Trace.DBPath = filepath.Join(t.TempDir(), "trace")

	id, err := runFile(context.Background(), cfg, "testdata/countdown.tcg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != uuid.Nil {
		t.Errorf("untraced run returned id %s", id)
	}
	if _, err := os.Stat(cfg.Trace.DBPath); !os.IsNotExist(err) {
		t.Fatalf("trace database created with tracing disabled: %v", err)
	}

	cfg.Trace.Enabled = true
	id, err = runFile(context.Background(), cfg, "testdata/countdown.tcg", nil)
	if err != nil {
		t.Fatal(err)
	}

	store, err := tracestore.Open(cfg.Trace.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	run, err := store.Run(id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Name != "countdown.tcg" || run.Steps == 0 || run.Err != "" {
		t.Errorf("run = %+v", run)
	}
	n := 0
	if err := store.Records(id, func(*tracestore.Record) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if uint64(n) != run.Steps {
		t.Errorf("%d step records, header says %d", n, run.Steps)
	}
}
