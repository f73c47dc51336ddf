package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"tci/pkg/config"
	"tci/pkg/exec"
	"tci/pkg/helper"
	"tci/pkg/interp"
	"tci/pkg/softmmu"
	"tci/pkg/tci"
	"tci/pkg/tracestore"
	"tci/pkg/types"
)

var logger = commonlog.GetLogger("tci")

const usage = `usage: tci [flags] <command> [args]

commands:
  run FILE      translate FILE and run it, recording it if [trace] enabled is set
  disas FILE    print the interpreter code generated for FILE
  trace FILE    run FILE and record every step in the trace database
  dump [RUNID]  list recorded runs, or print one of them

flags:
`

func main() {
	configPath := flag.String("config", "", "Path to a tci.toml configuration file")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides the configuration)")
	logFile := flag.String("log", "", "Log to this file instead of stderr")
	bits := flag.Int("bits", 0, "Host word width, 32 or 64 (overrides the configuration)")
	align := flag.String("align", "", "Unaligned guest accesses: relaxed or strict")
	maxSteps := flag.Uint64("max-steps", 0, "Stop a run after this many instructions")
	dbPath := flag.String("db", "", "Trace database path (overrides the configuration)")
	regs := flag.String("regs", "", "Comma separated initial values of a..f")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *bits != 0 {
		cfg.Machine.Bits = *bits
	}
	if *align != "" {
		cfg.Machine.Align = *align
	}
	if *maxSteps != 0 {
		cfg.Machine.MaxSteps = *maxSteps
	}
	if *dbPath != "" {
		cfg.Trace.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, path)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial, err := parseRegs(*regs)
	if err != nil {
		log.Fatalf("Bad -regs: %v", err)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		_, err = runFile(ctx, cfg, needFile(cmd, rest), initial)
	case "trace":
		cfg.Trace.Enabled = true
		_, err = runFile(ctx, cfg, needFile(cmd, rest), initial)
	case "disas":
		err = disasFile(cfg, needFile(cmd, rest))
	case "dump":
		err = dump(cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func needFile(cmd string, args []string) string {
	if len(args) != 1 {
		log.Fatalf("%s takes exactly one file argument", cmd)
	}
	return args[0]
}

func parseRegs(s string) ([]types.Register, error) {
	if s == "" {
		return nil, nil
	}
	var out []types.Register
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		v, err := strconv.ParseInt(field, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(field, 0, 64)
			if uerr != nil {
				return nil, err
			}
			v = int64(u)
		}
		out = append(out, types.Register(v))
	}
	return out, nil
}

func newEngine(cfg *config.Config) (*exec.Engine, error) {
	opts, err := exec.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	helpers := helper.NewTable()
	if err := helper.RegisterBuiltins(helpers, os.Stdout); err != nil {
		return nil, err
	}
	return exec.New(opts, helpers)
}

func translate(cfg *config.Config, file string) (*exec.Engine, *exec.Block, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, err
	}
	e, err := newEngine(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.Translate(filepath.Base(file), src)
	if err != nil {
		return nil, nil, err
	}
	return e, b, nil
}

// runFile translates and runs file. With tracing enabled every step is
// recorded in the trace database and the id of the run is returned.
func runFile(ctx context.Context, cfg *config.Config, file string, regs []types.Register) (uuid.UUID, error) {
	e, b, err := translate(cfg, file)
	if err != nil {
		return uuid.Nil, err
	}
	opts := exec.RunOptions{Regs: regs}
	var rec *tracestore.Recorder
	if cfg.Trace.Enabled {
		store, err := tracestore.Open(cfg.Trace.DBPath)
		if err != nil {
			return uuid.Nil, err
		}
		defer store.Close()

		width, _ := cfg.Width()
		rec = store.NewRecorder(uuid.New(), b.Name, width, b.TB.Start)
		rec.Disas = disassembler(e, width)
		rec.Buf = b.Buf
		opts.Tracer = rec
		opts.Setup = func(cpu *interp.CPU, _ *softmmu.MMU) error {
			cpu.ID = rec.ID()
			return nil
		}
	}

	res, runErr := e.Run(ctx, b, opts)
	defer res.Close()

	id := uuid.Nil
	if rec != nil {
		var exit uint64
		if res != nil {
			exit = res.Exit
		}
		if err := rec.Finish(exit, runErr); err != nil {
			return uuid.Nil, err
		}
		id = rec.ID()
		fmt.Printf("run %s\n", id)
	}
	if runErr != nil {
		var fault *softmmu.Fault
		if stderrors.As(runErr, &fault) {
			fmt.Fprintf(os.Stderr, "guest fault: %v\n", fault)
		}
		return id, runErr
	}
	printResult(res)
	return id, nil
}

func printResult(res *exec.Result) {
	fmt.Printf("exit %#x after %d steps\n", res.Exit, res.CPU.Steps)
	for i, v := range res.CPU.Regs {
		fmt.Printf("  %-2s = %#018x\n", tci.RegName(uint8(i)), uint64(v))
	}
	logger.Infof("tlb: %d hits, %d misses, %d fills, %d faults", res.Stats.Hits, res.Stats.Misses, res.Stats.Fills, res.Stats.Faults)
}

func disassembler(e *exec.Engine, width types.Width) *tci.Disassembler {
	d := tci.NewDisassembler(width)
	d.Symbol = e.Helpers().Symbol
	return d
}

func disasFile(cfg *config.Config, file string) error {
	e, b, err := translate(cfg, file)
	if err != nil {
		return err
	}
	width, _ := cfg.Width()
	fmt.Print(b.Listing(disassembler(e, width)))
	return nil
}

func dump(cfg *config.Config, args []string) error {
	store, err := tracestore.Open(cfg.Trace.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		runs, err := store.Runs()
		if err != nil {
			return err
		}
		for _, r := range runs {
			status := "ok"
			if r.Err != "" {
				status = r.Err
			}
			fmt.Printf("%s  %-20s %8d steps  exit %#x  %s\n", r.ID, r.Name, r.Steps, r.Exit, status)
		}
		return nil
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("bad run id %q: %w", args[0], err)
	}
	return store.Dump(id, os.Stdout)
}
