// Package protocol implements the fixed-width binary framing spoken between
// kvshard clients and the server.
//
// A request is one opcode byte followed by a 256-byte key, and for PUT a
// 256-byte value. A response is one status byte; GET replies always carry a
// 256-byte payload (the value, or an error message), PUT and DELETE replies
// carry one only on error.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/unkn0wn-root/kvshard/store"
)

type Op uint8

const (
	OpGet    Op = 1
	OpPut    Op = 2
	OpDelete Op = 3
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Valid reports whether o is a known opcode.
func (o Op) Valid() bool { return o >= OpGet && o <= OpDelete }

type Status uint8

const (
	StatusOK    Status = 200
	StatusError Status = 240
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

const (
	KeySize     = store.KeySize
	ValueSize   = store.ValueSize
	PayloadSize = ValueSize

	getFrameSize = 1 + KeySize
	putFrameSize = 1 + KeySize + ValueSize
)

// Error messages carried in 240 responses.
const (
	MsgKeyNotFound    = "Key not found"
	MsgInvalidRequest = "Invalid request"
	MsgStoreFailure   = "Internal error"
)

var (
	// ErrInvalidOp is returned by ReadRequest for an unknown opcode. Only the
	// opcode byte has been consumed, so the connection stays usable.
	ErrInvalidOp = errors.New("invalid opcode")
	// ErrBadStatus is returned by ReadResponse for an unknown status byte.
	ErrBadStatus = errors.New("invalid response status")
)

var frames = newBufPool([]int{getFrameSize, putFrameSize})

// Request is a decoded client request. Value is only meaningful for OpPut.
type Request struct {
	Op    Op
	Key   store.Key
	Value store.Value
}

// ReadRequest decodes the next request from r into req. A clean io.EOF
// before the opcode means the peer closed the connection; a short frame is
// io.ErrUnexpectedEOF.
func ReadRequest(r io.Reader, req *Request) error {
	var op [1]byte
	if _, err := io.ReadFull(r, op[:]); err != nil {
		return err
	}
	req.Op = Op(op[0])
	if !req.Op.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOp, op[0])
	}

	n := KeySize
	if req.Op == OpPut {
		n += ValueSize
	}
	buf := frames.get(n)
	defer frames.put(buf)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	copy(req.Key[:], buf[:KeySize])
	if req.Op == OpPut {
		copy(req.Value[:], buf[KeySize:])
	} else {
		req.Value = store.Value{}
	}
	return nil
}

// WriteRequest encodes req as a single write.
func WriteRequest(w io.Writer, req *Request) error {
	n := getFrameSize
	if req.Op == OpPut {
		n = putFrameSize
	}
	buf := frames.get(n)
	defer frames.put(buf)

	buf[0] = byte(req.Op)
	copy(buf[1:], req.Key[:])
	if req.Op == OpPut {
		copy(buf[1+KeySize:], req.Value[:])
	}
	_, err := w.Write(buf)
	return err
}

// Response is a decoded server reply. Payload is set when HasPayload is true.
type Response struct {
	Status     Status
	HasPayload bool
	Payload    store.Value
}

// Message returns the payload as text, trimmed at the first NUL.
func (r *Response) Message() string { return r.Payload.String() }

// WriteStatus writes a bare status byte (PUT/DELETE success).
func WriteStatus(w io.Writer, s Status) error {
	_, err := w.Write([]byte{byte(s)})
	return err
}

// WritePayload writes a status followed by a 256-byte payload.
func WritePayload(w io.Writer, s Status, payload *store.Value) error {
	buf := frames.get(getFrameSize)
	defer frames.put(buf)
	buf[0] = byte(s)
	copy(buf[1:], payload[:])
	_, err := w.Write(buf)
	return err
}

// WriteError writes a 240 status with msg zero-padded to 256 bytes.
func WriteError(w io.Writer, msg string) error {
	p := store.MakeValue(msg)
	return WritePayload(w, StatusError, &p)
}

// ReadResponse decodes the reply to a request of type op. GET replies always
// carry a payload; other replies carry one only on error.
func ReadResponse(r io.Reader, op Op, resp *Response) error {
	var st [1]byte
	if _, err := io.ReadFull(r, st[:]); err != nil {
		return err
	}
	resp.Status = Status(st[0])
	if resp.Status != StatusOK && resp.Status != StatusError {
		return fmt.Errorf("%w: %d", ErrBadStatus, st[0])
	}

	resp.HasPayload = op == OpGet || resp.Status == StatusError
	if !resp.HasPayload {
		resp.Payload = store.Value{}
		return nil
	}
	if _, err := io.ReadFull(r, resp.Payload[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
