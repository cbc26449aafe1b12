// Package asm assembles a textual, YAML-described program into the
// proto.Prototype form the execution core consumes. It exists in place
// of a compiler front end (out of scope for this module): a program
// file lists its constant pool and instruction stream by opcode name,
// the same way wudi-hey's own vm-demo command builds bytecode directly
// rather than through its parser when it wants to exercise the VM in
// isolation.
package asm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/values"
)

// Program is the on-disk YAML shape of one compiled unit.
type Program struct {
	Name      string         `yaml:"name"`
	NArgs     int            `yaml:"nargs"`
	NSlots    int            `yaml:"nslots"`
	Constants []ConstantSpec `yaml:"constants"`
	Code      []InstrSpec    `yaml:"code"`
}

// ConstantSpec is a tagged constant-pool entry. Exactly one field should
// be set; String is checked first to keep the zero value (empty
// program, no constants) unambiguous.
type ConstantSpec struct {
	String *string  `yaml:"string,omitempty"`
	Number *float64 `yaml:"number,omitempty"`
	Sigil  *string  `yaml:"sigil,omitempty"`
	Bool   *bool    `yaml:"bool,omitempty"`
	Nil    bool     `yaml:"nil,omitempty"`
}

func (c ConstantSpec) value() (values.Value, error) {
	switch {
	case c.String != nil:
		return values.NewString(*c.String), nil
	case c.Number != nil:
		return values.Number(*c.Number), nil
	case c.Sigil != nil:
		return values.NewSigil(*c.Sigil), nil
	case c.Bool != nil:
		return values.Bool(*c.Bool), nil
	case c.Nil:
		return values.Nil, nil
	default:
		return values.Value{}, fmt.Errorf("constant entry has no recognized tag")
	}
}

// InstrSpec is one textual instruction: an opcode name plus up to two
// operands. SendOperand-style tail-call sites set Tail true instead of
// hand-computing the high bit.
type InstrSpec struct {
	Op   string `yaml:"op"`
	Op1  uint32 `yaml:"op1"`
	Op2  uint32 `yaml:"op2"`
	Tail bool   `yaml:"tail,omitempty"`
}

// LoadFile reads and assembles a Program from path.
func LoadFile(path string) (*proto.Prototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return Assemble(&p)
}

// Assemble converts a parsed Program into a ready-to-run Prototype. The
// returned prototype has no SendCaches filled in: the engine's slow-path
// SEND handler fills them in on first execution.
func Assemble(p *Program) (*proto.Prototype, error) {
	constants := make([]values.Value, len(p.Constants))
	for i, c := range p.Constants {
		v, err := c.value()
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		constants[i] = v
	}

	code := make([]opcodes.Instruction, len(p.Code))
	for i, is := range p.Code {
		op, ok := opcodes.ParseOpcode(is.Op)
		if !ok {
			return nil, fmt.Errorf("instruction %d: unknown opcode %q", i, is.Op)
		}
		op1 := is.Op1
		if is.Tail {
			op1 |= opcodes.TailCallAllowedBit
		}
		code[i] = opcodes.Instruction{Opcode: op, Op1: op1, Op2: is.Op2}
	}

	return &proto.Prototype{
		Source:     &proto.Source{Name: p.Name, Tokens: map[int]proto.Token{}},
		Offset:     0,
		NArgs:      p.NArgs,
		NSlots:     p.NSlots,
		Bytecode:   code,
		Constants:  constants,
		SendCaches: make([]proto.CacheSlot, len(constants)),
	}, nil
}
