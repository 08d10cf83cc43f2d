package isa

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dynarec/internal/guest"
)

// SyntaxError reports a malformed assembler line.
type SyntaxError struct {
	Line int
	Text string
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Program is an assembled guest image.
type Program struct {
	Base   uint64
	Code   []byte
	Labels map[string]uint64
}

// Label returns the address of a label.
func (p *Program) Label(name string) (uint64, bool) {
	a, ok := p.Labels[name]
	return a, ok
}

// LabelNames returns the label names sorted by address.
func (p *Program) LabelNames() []string {
	names := make([]string, 0, len(p.Labels))
	for n := range p.Labels {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := p.Labels[names[i]], p.Labels[names[j]]
		if ai != aj {
			return ai < aj
		}
		return names[i] < names[j]
	})
	return names
}

type line struct {
	num      int
	text     string
	mnemonic string
	args     []string
	addr     uint64
}

// Assemble translates source text into a little-endian image loaded at base.
//
// One instruction per line, operands separated by commas:
//
//	loop:   subs x1, x1, #1   ; comment
//	        b.ne loop
//	        add.eq w2, w2, w3 // predicated in 32-bit mode
//
// Registers are x0..x30 (64-bit), w0..w30 (32-bit), xzr/wzr, lr, v0..v31
// (128-bit) and d0..d31 (64-bit vectors).
// Immediates are written #n. Aliases: mov, cmp, cmn.
func Assemble(src string, base uint64) (*Program, error) {
	prog := &Program{Base: base, Labels: make(map[string]uint64)}
	var lines []line
	addr := base
	for i, raw := range strings.Split(src, "\n") {
		text := stripComment(raw)
		for {
			colon := strings.IndexByte(text, ':')
			if colon < 0 || strings.ContainsAny(text[:colon], " \t,[#") {
				break
			}
			name := strings.TrimSpace(text[:colon])
			if _, dup := prog.Labels[name]; dup {
				return nil, &SyntaxError{Line: i + 1, Text: raw, Msg: "duplicate label " + name}
			}
			prog.Labels[name] = addr
			text = strings.TrimSpace(text[colon+1:])
		}
		if text == "" {
			continue
		}
		mnemonic, rest, _ := strings.Cut(text, " ")
		l := line{num: i + 1, text: raw, mnemonic: strings.ToLower(mnemonic), addr: addr}
		if rest = strings.TrimSpace(rest); rest != "" {
			l.args = splitOperands(rest)
		}
		lines = append(lines, l)
		addr += InstSize
	}

	prog.Code = make([]byte, 0, len(lines)*InstSize)
	for _, l := range lines {
		in, err := parseLine(l, prog.Labels)
		if err != nil {
			return nil, &SyntaxError{Line: l.num, Text: strings.TrimSpace(l.text), Msg: err.Error()}
		}
		word, err := Encode(in)
		if err != nil {
			return nil, &SyntaxError{Line: l.num, Text: strings.TrimSpace(l.text), Msg: err.Error()}
		}
		prog.Code = binary.LittleEndian.AppendUint32(prog.Code, word)
	}
	return prog, nil
}

// Disassemble renders an image one instruction per line.
func Disassemble(code []byte, base uint64) []string {
	out := make([]string, 0, len(code)/InstSize)
	for off := 0; off+InstSize <= len(code); off += InstSize {
		addr := base + uint64(off)
		word := binary.LittleEndian.Uint32(code[off:])
		in, err := Decode(word)
		if err != nil {
			out = append(out, fmt.Sprintf("%#08x: .word %#08x", addr, word))
			continue
		}
		out = append(out, fmt.Sprintf("%#08x: %s", addr, in))
	}
	return out
}

func stripComment(s string) string {
	if i := strings.Index(s, "//"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func splitOperands(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

var mnemonics = map[string]Op{
	"nop": NOP, "add": ADD, "sub": SUB, "adds": ADDS, "subs": SUBS,
	"and": AND, "orr": ORR, "eor": EOR, "lsl": LSL, "lsr": LSR, "asr": ASR,
	"mul": MUL, "movz": MOVZ, "ldr": LDR, "str": STR,
	"b": B, "bl": BL, "br": BR, "blr": BLR, "ret": RET, "hlt": HLT,
	"vdup": VDUP, "vadd": VADD, "vumov": VUMOV,
	"mov": NOP, "cmp": SUBS, "cmn": ADDS,
}

var immForm = map[Op]Op{ADD: ADDI, SUB: SUBI, ADDS: ADDSI, SUBS: SUBSI}

func parseLine(l line, labels map[string]uint64) (Inst, error) {
	name, suffix, hasSuffix := strings.Cut(l.mnemonic, ".")
	in := Inst{Cond: guest.Al, SF: true}
	if hasSuffix {
		c, ok := guest.ParseCondition(suffix)
		if !ok {
			return in, fmt.Errorf("unknown condition %q", suffix)
		}
		in.Cond = c
	}
	op, ok := mnemonics[name]
	if !ok {
		return in, fmt.Errorf("unknown mnemonic %q", name)
	}
	in.Op = op
	args := l.args
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d operands, got %d", name, n, len(args))
		}
		return nil
	}

	switch name {
	case "nop", "hlt":
		return in, need(0)
	case "mov":
		if err := need(2); err != nil {
			return in, err
		}
		if strings.HasPrefix(args[1], "#") {
			in.Op = MOVZ
			return in, parseRegs(&in, args, &in.Rd)
		}
		in.Op = ORR
		in.Rn = guest.ZeroRegister
		return in, parseRegs(&in, args, &in.Rd, &in.Rm)
	case "cmp", "cmn":
		if err := need(2); err != nil {
			return in, err
		}
		args = append([]string{zeroName(args[0])}, args...)
	case "b":
		if err := need(1); err != nil {
			return in, err
		}
		if hasSuffix {
			in.Op = BCOND
		}
		return in, branchOffset(&in, args[0], l.addr, labels)
	case "bl":
		if err := need(1); err != nil {
			return in, err
		}
		return in, branchOffset(&in, args[0], l.addr, labels)
	case "br", "blr":
		if err := need(1); err != nil {
			return in, err
		}
		return in, parseRegs(&in, args, &in.Rn)
	case "ret":
		if len(args) == 0 {
			in.Rn = guest.LinkRegister
			return in, nil
		}
		if err := need(1); err != nil {
			return in, err
		}
		return in, parseRegs(&in, args, &in.Rn)
	case "movz":
		if err := need(2); err != nil {
			return in, err
		}
		return in, parseRegs(&in, args, &in.Rd)
	case "ldr", "str":
		if err := need(2); err != nil {
			return in, err
		}
		if err := parseRegs(&in, args[:1], &in.Rd); err != nil {
			return in, err
		}
		return in, parseMemOperand(&in, args[1])
	case "vdup", "vadd", "vumov":
		return in, parseVector(&in, name, args)
	}

	if err := need(3); err != nil {
		return in, err
	}
	if imm, ok := immForm[in.Op]; ok && strings.HasPrefix(args[2], "#") {
		in.Op = imm
		return in, parseRegs(&in, args, &in.Rd, &in.Rn)
	}
	return in, parseRegs(&in, args, &in.Rd, &in.Rn, &in.Rm)
}

func zeroName(reg string) string {
	if strings.HasPrefix(strings.ToLower(reg), "w") {
		return "wzr"
	}
	return "xzr"
}

// parseRegs parses integer register operands into dst. A trailing operand
// written #n fills Imm. Any w register selects the 32-bit form.
func parseRegs(in *Inst, args []string, dst ...*int) error {
	for i, a := range args {
		if strings.HasPrefix(a, "#") {
			if i != len(args)-1 {
				return fmt.Errorf("immediate %q must be last", a)
			}
			v, err := parseImm(a)
			if err != nil {
				return err
			}
			in.Imm = v
			continue
		}
		if i >= len(dst) {
			return fmt.Errorf("unexpected operand %q", a)
		}
		r, wide, err := parseIntReg(a)
		if err != nil {
			return err
		}
		if !wide {
			in.SF = false
		}
		*dst[i] = r
	}
	return nil
}

func parseIntReg(s string) (int, bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "xzr":
		return guest.ZeroRegister, true, nil
	case "wzr":
		return guest.ZeroRegister, false, nil
	case "lr":
		return guest.LinkRegister, true, nil
	}
	if len(s) < 2 || (s[0] != 'x' && s[0] != 'w') {
		return 0, false, fmt.Errorf("bad register %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= guest.ZeroRegister {
		return 0, false, fmt.Errorf("bad register %q", s)
	}
	return n, s[0] == 'x', nil
}

func parseVecReg(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 || s[0] != 'v' {
		return 0, fmt.Errorf("bad vector register %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= guest.NumRegisters {
		return 0, fmt.Errorf("bad vector register %q", s)
	}
	return n, nil
}

func parseImm(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", s)
	}
	return v, nil
}

func parseMemOperand(in *Inst, s string) error {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return fmt.Errorf("bad memory operand %q", s)
	}
	parts := splitOperands(s[1 : len(s)-1])
	base, _, err := parseIntReg(parts[0])
	if err != nil {
		return err
	}
	in.Rn = base
	switch len(parts) {
	case 1:
		return nil
	case 2:
		in.Imm, err = parseImm(parts[1])
		return err
	}
	return fmt.Errorf("bad memory operand %q", s)
}

// parseVector handles the vector forms. v registers are 128 bits wide, the
// same register written d selects the 64-bit form.
func parseVector(in *Inst, name string, args []string) error {
	vec := func(s string) (int, error) {
		s = strings.ToLower(strings.TrimSpace(s))
		if strings.HasPrefix(s, "d") {
			in.SF = false
			s = "v" + s[1:]
		}
		return parseVecReg(s)
	}
	var err error
	switch name {
	case "vdup":
		if len(args) != 2 {
			return fmt.Errorf("vdup takes 2 operands")
		}
		if in.Rd, err = vec(args[0]); err != nil {
			return err
		}
		wide := in.SF
		in.Rn, _, err = parseIntReg(args[1])
		in.SF = wide
		return err
	case "vadd":
		if len(args) != 3 {
			return fmt.Errorf("vadd takes 3 operands")
		}
		for i, dst := range [...]*int{&in.Rd, &in.Rn, &in.Rm} {
			if *dst, err = vec(args[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		if len(args) != 2 {
			return fmt.Errorf("vumov takes 2 operands")
		}
		if in.Rd, _, err = parseIntReg(args[0]); err != nil {
			return err
		}
		in.SF = true
		in.Rn, err = vec(args[1])
		return err
	}
}

func branchOffset(in *Inst, target string, addr uint64, labels map[string]uint64) error {
	dest, ok := labels[target]
	if !ok {
		v, err := parseImm(target)
		if err != nil {
			return fmt.Errorf("undefined label %q", target)
		}
		dest = uint64(v)
	}
	delta := int64(dest - addr)
	if delta%InstSize != 0 {
		return fmt.Errorf("misaligned branch target %#x", dest)
	}
	in.Imm = delta / InstSize
	return nil
}
