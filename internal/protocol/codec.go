package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the fixed-width frame header: magic(4) + type(4) + dataLen(4).
const headerSize = 12

// Encode writes cmd to w in the bit-exact Gearman wire format: a 12-byte
// header (magic, numeric type code, payload length, all big-endian) followed
// by the payload. Encoding a Command with a missing schema field is a
// programmer error; New/NewByCode are the only supported way to build one,
// so Encode does not re-validate.
func Encode(w io.Writer, cmd *Command) error {
	payload := marshalPayload(cmd)

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(cmd.Magic))
	binary.BigEndian.PutUint32(header[4:8], cmd.Type.Code)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

func marshalPayload(cmd *Command) []byte {
	if len(cmd.Type.Schema) == 0 {
		return nil
	}
	var buf bytes.Buffer
	last := len(cmd.Type.Schema) - 1
	for i, field := range cmd.Type.Schema {
		var v []byte
		if field.IsData {
			v = cmd.Data
		} else {
			v = []byte(cmd.Args[field.Name])
		}
		buf.Write(v)
		if i != last {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// Decoder reads a sequence of frames off a byte stream. It reads exactly one
// frame per Decode call and never reads past a frame boundary, so pausing
// between calls is sufficient backpressure: no bytes belonging to the next
// frame are ever consumed early.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r for frame-at-a-time decoding. r is read directly, with
// no read-ahead buffer in between.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode blocks until one full frame is available and returns the decoded
// Command. A malformed frame (bad magic, unknown code, short payload, wrong
// field count) returns a *FrameError and must be treated as fatal to the
// connection.
func (d *Decoder) Decode() (*Command, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &FrameError{Reason: "truncated header"}
		}
		return nil, err
	}

	magic := Magic(binary.BigEndian.Uint32(header[0:4]))
	if magic != MagicRequest && magic != MagicResponse {
		return nil, &FrameError{Reason: fmt.Sprintf("unknown magic %#08x", uint32(magic))}
	}

	code := binary.BigEndian.Uint32(header[4:8])
	typ, ok := TypeByCode(code)
	if !ok {
		return nil, &FrameError{Reason: fmt.Sprintf("unknown command code %d", code)}
	}

	dataLen := binary.BigEndian.Uint32(header[8:12])
	payload := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, &FrameError{Reason: fmt.Sprintf("truncated payload: want %d bytes", dataLen)}
			}
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
	}

	args, data, err := unmarshalPayload(typ, payload)
	if err != nil {
		return nil, err
	}

	return &Command{Magic: magic, Type: typ, Args: args, Data: data}, nil
}

func unmarshalPayload(typ Type, payload []byte) (map[string]string, []byte, error) {
	n := len(typ.Schema)
	if n == 0 {
		if len(payload) != 0 {
			return nil, nil, &FrameError{Reason: fmt.Sprintf("%s: expected empty payload, got %d bytes", typ.Name, len(payload))}
		}
		return nil, nil, nil
	}

	parts := bytes.SplitN(payload, []byte{0}, n)
	if len(parts) != n {
		return nil, nil, &FrameError{Reason: fmt.Sprintf("%s: expected %d fields, got %d", typ.Name, n, len(parts))}
	}

	args := make(map[string]string, n)
	var data []byte
	for i, field := range typ.Schema {
		if field.IsData {
			data = parts[i]
			continue
		}
		args[field.Name] = string(parts[i])
	}
	return args, data, nil
}
