package policy

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Disassemble renders the compiled filter as human-readable BPF
// instructions, for the CLI's -show-trace-details debug path. A
// program x/net/bpf can't decode (anything Disassemble reports false
// for) falls back to one line per raw instruction.
func (p *Policy) Disassemble() []string {
	raw := make([]bpf.RawInstruction, len(p.Prog))
	for i, ins := range p.Prog {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	insns, ok := bpf.Disassemble(raw)
	lines := make([]string, len(raw))
	if !ok || len(insns) != len(raw) {
		for i, r := range raw {
			lines[i] = fmt.Sprintf("%v", r.Disassemble())
		}
		return lines
	}
	for i, in := range insns {
		lines[i] = fmt.Sprintf("%v", in)
	}
	return lines
}
