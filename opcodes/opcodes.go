// Package opcodes defines the bytecode instruction set the dispatch loop in
// package vm consumes: one Opcode per handler, plus the fixed-width
// Instruction encoding sends are rewritten in place within.
package opcodes

import "fmt"

// Opcode identifies a dispatch handler.
type Opcode byte

const (
	OP_NOP Opcode = iota

	// Stack shape.
	OP_DUP
	OP_SWAP
	OP_POP_N

	// Tuple discipline.
	OP_TUPLE
	OP_CONS
	OP_PACK
	OP_TRIM
	OP_TRIM_EXACTLY
	OP_TRIM_DOWN
	OP_TRIM_UP

	// Constants & literals.
	OP_CONSTANT
	OP_PUSH_NIL
	OP_PUSH_UNDEFINED
	OP_PUSH_TRUE
	OP_PUSH_FALSE

	// Locals & upvalues.
	OP_LOAD_LOCAL
	OP_STORE_LOCAL
	OP_POP_STORE_LOCAL
	OP_LOAD_UPVALUE

	// Control flow.
	OP_JUMP
	OP_JUMP_IF_FALSE
	OP_JUMP_IF_TRUE
	OP_POP_JUMP_IF_FALSE
	OP_POP_JUMP_IF_TRUE
	OP_LOOP

	// Calls & returns.
	OP_RETURN
	OP_BLOCK // push a Block closure built from a Prototype constant + captured upvalues

	// Construction primitives.
	OP_RECORD
	OP_SHAPE
	OP_LIST

	// Sends — slow path and specializations.
	OP_SEND
	OP_SEND_BLOCK
	OP_LOCALSEND_BLOCK
	OP_TAILSEND_BLOCK
	OP_LOCALTAILSEND_BLOCK
	OP_SEND_NATIVE
	OP_SEND_PROPERTY
	OP_SEND_CONSTANT
	OP_MATCHSEND_BLOCK
	OP_MATCHTAILSEND_BLOCK

	// Primitive sends: one opcode per primitive.
	OP_SEND_PRIMITIVE_ADD
	OP_SEND_PRIMITIVE_SUB
	OP_SEND_PRIMITIVE_MUL
	OP_SEND_PRIMITIVE_DIV
	OP_SEND_PRIMITIVE_MOD
	OP_SEND_PRIMITIVE_LT
	OP_SEND_PRIMITIVE_LTE
	OP_SEND_PRIMITIVE_GT
	OP_SEND_PRIMITIVE_GTE
	OP_SEND_PRIMITIVE_EQ
	OP_SEND_PRIMITIVE_BAND
	OP_SEND_PRIMITIVE_BOR
	OP_SEND_PRIMITIVE_BXOR
	OP_SEND_PRIMITIVE_LSH
	OP_SEND_PRIMITIVE_RSH
	OP_SEND_PRIMITIVE_LOGICAL_AND
	OP_SEND_PRIMITIVE_LOGICAL_OR
	OP_SEND_PRIMITIVE_CONCAT
	OP_SEND_PRIMITIVE_TYPE
	OP_SEND_PRIMITIVE_SPLAT
	OP_SEND_PRIMITIVE_CONS
	OP_SEND_PRIMITIVE_USE
	OP_SEND_PRIMITIVE_SPAWN
	OP_SEND_PRIMITIVE_CHAN_PUT
	OP_SEND_PRIMITIVE_CHAN_TAKE
	OP_SEND_PRIMITIVE_CALL_MESSAGE

	// Matching.
	OP_MATCH

	opcodeCount
)

var names = [opcodeCount]string{
	OP_NOP:                         "NOP",
	OP_DUP:                         "DUP",
	OP_SWAP:                        "SWAP",
	OP_POP_N:                       "POP_N",
	OP_TUPLE:                       "TUPLE",
	OP_CONS:                        "CONS",
	OP_PACK:                        "PACK",
	OP_TRIM:                        "TRIM",
	OP_TRIM_EXACTLY:                "TRIM_EXACTLY",
	OP_TRIM_DOWN:                   "TRIM_DOWN",
	OP_TRIM_UP:                     "TRIM_UP",
	OP_CONSTANT:                    "CONSTANT",
	OP_PUSH_NIL:                    "PUSH_NIL",
	OP_PUSH_UNDEFINED:              "PUSH_UNDEFINED",
	OP_PUSH_TRUE:                   "PUSH_TRUE",
	OP_PUSH_FALSE:                  "PUSH_FALSE",
	OP_LOAD_LOCAL:                  "LOAD_LOCAL",
	OP_STORE_LOCAL:                 "STORE_LOCAL",
	OP_POP_STORE_LOCAL:             "POP_STORE_LOCAL",
	OP_LOAD_UPVALUE:                "LOAD_UPVALUE",
	OP_JUMP:                        "JUMP",
	OP_JUMP_IF_FALSE:               "JUMP_IF_FALSE",
	OP_JUMP_IF_TRUE:                "JUMP_IF_TRUE",
	OP_POP_JUMP_IF_FALSE:           "POP_JUMP_IF_FALSE",
	OP_POP_JUMP_IF_TRUE:            "POP_JUMP_IF_TRUE",
	OP_LOOP:                        "LOOP",
	OP_RETURN:                      "RETURN",
	OP_BLOCK:                       "BLOCK",
	OP_RECORD:                      "RECORD",
	OP_SHAPE:                       "SHAPE",
	OP_LIST:                        "LIST",
	OP_SEND:                        "SEND",
	OP_SEND_BLOCK:                  "SEND_BLOCK",
	OP_LOCALSEND_BLOCK:             "LOCALSEND_BLOCK",
	OP_TAILSEND_BLOCK:              "TAILSEND_BLOCK",
	OP_LOCALTAILSEND_BLOCK:         "LOCALTAILSEND_BLOCK",
	OP_SEND_NATIVE:                 "SEND_NATIVE",
	OP_SEND_PROPERTY:               "SEND_PROPERTY",
	OP_SEND_CONSTANT:               "SEND_CONSTANT",
	OP_MATCHSEND_BLOCK:             "MATCHSEND_BLOCK",
	OP_MATCHTAILSEND_BLOCK:         "MATCHTAILSEND_BLOCK",
	OP_SEND_PRIMITIVE_ADD:          "SEND_PRIMITIVE_ADD",
	OP_SEND_PRIMITIVE_SUB:          "SEND_PRIMITIVE_SUB",
	OP_SEND_PRIMITIVE_MUL:          "SEND_PRIMITIVE_MUL",
	OP_SEND_PRIMITIVE_DIV:          "SEND_PRIMITIVE_DIV",
	OP_SEND_PRIMITIVE_MOD:          "SEND_PRIMITIVE_MOD",
	OP_SEND_PRIMITIVE_LT:           "SEND_PRIMITIVE_LT",
	OP_SEND_PRIMITIVE_LTE:          "SEND_PRIMITIVE_LTE",
	OP_SEND_PRIMITIVE_GT:           "SEND_PRIMITIVE_GT",
	OP_SEND_PRIMITIVE_GTE:          "SEND_PRIMITIVE_GTE",
	OP_SEND_PRIMITIVE_EQ:           "SEND_PRIMITIVE_EQ",
	OP_SEND_PRIMITIVE_BAND:         "SEND_PRIMITIVE_BAND",
	OP_SEND_PRIMITIVE_BOR:          "SEND_PRIMITIVE_BOR",
	OP_SEND_PRIMITIVE_BXOR:         "SEND_PRIMITIVE_BXOR",
	OP_SEND_PRIMITIVE_LSH:          "SEND_PRIMITIVE_LSH",
	OP_SEND_PRIMITIVE_RSH:          "SEND_PRIMITIVE_RSH",
	OP_SEND_PRIMITIVE_LOGICAL_AND:  "SEND_PRIMITIVE_LOGICAL_AND",
	OP_SEND_PRIMITIVE_LOGICAL_OR:   "SEND_PRIMITIVE_LOGICAL_OR",
	OP_SEND_PRIMITIVE_CONCAT:       "SEND_PRIMITIVE_CONCAT",
	OP_SEND_PRIMITIVE_TYPE:         "SEND_PRIMITIVE_TYPE",
	OP_SEND_PRIMITIVE_SPLAT:        "SEND_PRIMITIVE_SPLAT",
	OP_SEND_PRIMITIVE_CONS:         "SEND_PRIMITIVE_CONS",
	OP_SEND_PRIMITIVE_USE:          "SEND_PRIMITIVE_USE",
	OP_SEND_PRIMITIVE_SPAWN:        "SEND_PRIMITIVE_SPAWN",
	OP_SEND_PRIMITIVE_CHAN_PUT:     "SEND_PRIMITIVE_CHAN_PUT",
	OP_SEND_PRIMITIVE_CHAN_TAKE:    "SEND_PRIMITIVE_CHAN_TAKE",
	OP_SEND_PRIMITIVE_CALL_MESSAGE: "SEND_PRIMITIVE_CALL_MESSAGE",
	OP_MATCH:                       "MATCH",
}

func (op Opcode) String() string {
	if int(op) < len(names) && names[op] != "" {
		return names[op]
	}
	return fmt.Sprintf("OP(%d)", op)
}

var byName map[string]Opcode

func init() {
	byName = make(map[string]Opcode, len(names))
	for op, name := range names {
		if name != "" {
			byName[name] = Opcode(op)
		}
	}
}

// ParseOpcode looks up an Opcode by its canonical name, for assemblers
// and disassemblers that work with a textual instruction stream rather
// than raw bytes.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := byName[name]
	return op, ok
}

// Instruction is one decoded bytecode unit. The on-disk encoding packs
// Op1/Op2 into 0-3 immediate bytes following the opcode byte, with 16-bit
// constant indices big-endian; Instruction here is the decoded
// {Opcode, Op1, Op2, Result} form the dispatch loop operates on.
type Instruction struct {
	Opcode Opcode
	Op1    uint32
	Op2    uint32
	Result uint32
}

// Send-site layout constants.
const (
	// SendCacheSize is the number of inline-cache slots reserved per send
	// site's constant-pool slot block.
	SendCacheSize = 1

	// TailCallAllowedBit is the high bit of a send's 16-bit operand,
	// set by the compiler and masked off before use.
	TailCallAllowedBit uint32 = 1 << 15
	tailCallIndexMask  uint32 = TailCallAllowedBit - 1
)

// SendOperand splits a send site's 16-bit operand into its constant index
// and tail-call-allowed flag.
func SendOperand(raw uint32) (index uint32, tailAllowed bool) {
	return raw & tailCallIndexMask, raw&TailCallAllowedBit != 0
}

// Resource limits.
const (
	// StackMax is the fixed number of Value slots in a fiber's stack.
	StackMax = 4096

	// ChannelTakeTries bounds how many times a take, put or use primitive
	// suspends and retries before settling with a timeout value.
	ChannelTakeTries = 3
)
