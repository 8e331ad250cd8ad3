// Package protocol implements the binary Gearman wire format: the command
// catalog (name/code/argument-schema table), command values, and the framing
// codec that encodes and decodes them over a byte stream.
package protocol

import "fmt"

// Magic distinguishes a request frame from a response frame on the wire.
type Magic uint32

const (
	// MagicRequest is the 4-byte magic \x00REQ sent by clients and workers.
	MagicRequest Magic = 0x00524551
	// MagicResponse is the 4-byte magic \x00RES sent by the job server.
	MagicResponse Magic = 0x00524553
)

func (m Magic) String() string {
	switch m {
	case MagicRequest:
		return "REQ"
	case MagicResponse:
		return "RES"
	default:
		return fmt.Sprintf("Magic(%#08x)", uint32(m))
	}
}

// Command is one decoded (or to-be-encoded) Gearman protocol frame: a magic,
// a type, its ordered named arguments, and the type's trailing opaque data
// field, if it has one.
type Command struct {
	Magic Magic
	Type  Type
	Args  map[string]string
	Data  []byte
}

// Arg returns the named argument, or "" if the command has no such field.
func (c *Command) Arg(name string) string {
	if c == nil || c.Args == nil {
		return ""
	}
	return c.Args[name]
}

// New constructs a Command of the named type, validating that argsMap
// supplies exactly the type's non-data schema fields and nothing else.
// data is used for the type's data field, if it has one; for types without
// one it must be empty, and non-empty data is rejected with an
// *ArgMismatchError.
func New(name string, magic Magic, args map[string]string, data []byte) (*Command, error) {
	typ, ok := TypeByName(name)
	if !ok {
		return nil, &UnknownCommandError{Name: name}
	}
	return newTyped(typ, magic, args, data)
}

// NewByCode is New, but resolves the type by its numeric wire code.
func NewByCode(code uint32, magic Magic, args map[string]string, data []byte) (*Command, error) {
	typ, ok := TypeByCode(code)
	if !ok {
		return nil, &UnknownCommandError{Code: code}
	}
	return newTyped(typ, magic, args, data)
}

func newTyped(typ Type, magic Magic, args map[string]string, data []byte) (*Command, error) {
	seen := make(map[string]bool, len(typ.Schema))
	out := make(map[string]string, len(typ.Schema))
	for _, field := range typ.Schema {
		if field.IsData {
			continue
		}
		v, ok := args[field.Name]
		if !ok {
			return nil, &ArgMismatchError{Type: typ.Name, Field: field.Name, Reason: "missing"}
		}
		seen[field.Name] = true
		out[field.Name] = v
	}
	for k := range args {
		if !seen[k] {
			return nil, &ArgMismatchError{Type: typ.Name, Field: k, Reason: "unknown"}
		}
	}
	if typ.DataField() == nil && len(data) > 0 {
		return nil, &ArgMismatchError{Type: typ.Name, Field: "data", Reason: "type has no data field"}
	}
	return &Command{Magic: magic, Type: typ, Args: out, Data: data}, nil
}
