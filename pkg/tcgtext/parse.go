// Package tcgtext reads IR programs written one operation per line:
//
//	loop:   sub_i64 a, a, $1
//	        brcond_i64 a, $0, ne, @loop   ; back edge
//	        call print_i64, b
//	        qemu_st_i64 b, c, leq:1
//	        exit_tb $0
package tcgtext

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tci/pkg/tci"
	"tci/pkg/types"
)

type OperandKind uint8

const (
	OperandReg OperandKind = iota
	OperandImm
	OperandLabel
	OperandCond
	OperandMem
	OperandName
)

// Operand is one parsed argument. Name holds the label or helper name.
type Operand struct {
	Kind   OperandKind
	Reg    uint8
	Val    int64
	Cond   tci.Cond
	MemOp  types.MemOp
	MMUIdx int
	Name   string
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return tci.RegName(o.Reg)
	case OperandImm:
		return fmt.Sprintf("$%d", o.Val)
	case OperandLabel:
		return "@" + o.Name
	case OperandCond:
		return o.Cond.String()
	case OperandMem:
		return fmt.Sprintf("%v:%d", o.MemOp, o.MMUIdx)
	}
	return o.Name
}

// Stmt is one operation together with the labels bound right before it.
// A trailing label with no operation after it has an empty Op.
type Stmt struct {
	Line   int
	Labels []string
	Op     string
	Args   []Operand
}

// Program is a parsed source file.
type Program struct {
	Name  string
	Stmts []Stmt
}

// SyntaxError collects every problem found in one source file.
type SyntaxError struct {
	Name   string
	Errors []string
}

func (e *SyntaxError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %s", e.Name, e.Errors[0])
	}
	return fmt.Sprintf("%s: %d errors:\n\t%s", e.Name, len(e.Errors), strings.Join(e.Errors, "\n\t"))
}

type parser struct {
	name    string
	errors  []string
	defined map[string]int
	used    map[string]int
	pending []string
	prog    *Program
}

func (p *parser) errorf(line int, format string, args ...interface{}) {
	p.errors = append(p.errors, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

// Parse reads a program. Syntax problems are reported together as a
// *SyntaxError; whether the operations exist and take the given operands is
// checked when the program is compiled.
func Parse(name string, r io.Reader) (*Program, error) {
	p := &parser{
		name:    name,
		defined: make(map[string]int),
		used:    make(map[string]int),
		prog:    &Program{Name: name},
	}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		p.line(line, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(p.pending) > 0 {
		p.prog.Stmts = append(p.prog.Stmts, Stmt{Line: line, Labels: p.pending})
	}
	for name, at := range p.used {
		if _, ok := p.defined[name]; !ok {
			p.errorf(at, "undefined label %q", name)
		}
	}
	if len(p.errors) > 0 {
		return nil, &SyntaxError{Name: name, Errors: p.errors}
	}
	return p.prog, nil
}

// ParseString is Parse over an in-memory source.
func ParseString(name, src string) (*Program, error) {
	return Parse(name, strings.NewReader(src))
}

func stripComment(s string) string {
	if i := strings.IndexAny(s, ";#"); i >= 0 {
		return s[:i]
	}
	return s
}

func (p *parser) line(no int, text string) {
	text = strings.TrimSpace(stripComment(text))
	for {
		i := strings.IndexByte(text, ':')
		if i < 0 {
			break
		}
		head := strings.TrimSpace(text[:i])
		if !isIdent(head) {
			// A colon inside the operands, as in leq:1.
			break
		}
		if prev, ok := p.defined[head]; ok {
			p.errorf(no, "label %q already defined on line %d", head, prev)
		} else {
			p.defined[head] = no
		}
		p.pending = append(p.pending, head)
		text = strings.TrimSpace(text[i+1:])
	}
	if text == "" {
		return
	}

	op, rest := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		op, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	st := Stmt{Line: no, Labels: p.pending, Op: op}
	p.pending = nil
	if rest != "" {
		for _, field := range strings.Split(rest, ",") {
			arg, ok := p.operand(no, strings.TrimSpace(field))
			if ok {
				st.Args = append(st.Args, arg)
			}
		}
	}
	p.prog.Stmts = append(p.prog.Stmts, st)
}

func (p *parser) operand(no int, s string) (Operand, bool) {
	switch {
	case s == "":
		p.errorf(no, "empty operand")
		return Operand{}, false

	case s[0] == '$':
		v, err := parseInt(s[1:])
		if err != nil {
			p.errorf(no, "bad immediate %q", s)
			return Operand{}, false
		}
		return Operand{Kind: OperandImm, Val: v}, true

	case s[0] == '@':
		name := s[1:]
		if !isIdent(name) {
			p.errorf(no, "bad label reference %q", s)
			return Operand{}, false
		}
		if _, ok := p.used[name]; !ok {
			p.used[name] = no
		}
		return Operand{Kind: OperandLabel, Name: name}, true
	}

	if r, ok := tci.ParseReg(s); ok {
		return Operand{Kind: OperandReg, Reg: r}, true
	}
	if c, ok := tci.ParseCond(s); ok {
		return Operand{Kind: OperandCond, Cond: c}, true
	}
	name, idx := s, 0
	if i := strings.IndexByte(s, ':'); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 0 || n > 15 {
			p.errorf(no, "bad mmu index in %q", s)
			return Operand{}, false
		}
		name, idx = s[:i], n
	}
	if op, ok := types.ParseMemOp(name); ok {
		return Operand{Kind: OperandMem, MemOp: op, MMUIdx: idx}, true
	}
	if name != s || !isIdent(s) {
		p.errorf(no, "bad operand %q", s)
		return Operand{}, false
	}
	return Operand{Kind: OperandName, Name: s}, true
}

// parseInt accepts signed decimal and 0x hex, and unsigned 64-bit values
// above the signed range.
func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return v, nil
	}
	u, uerr := strconv.ParseUint(s, 0, 64)
	if uerr != nil {
		return 0, err
	}
	return int64(u), nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
