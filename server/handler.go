package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/unkn0wn-root/kvshard/internal/protocol"
)

const readBufferSize = 4 << 10

// serveConn reads requests until the peer closes or a read fails. Each
// request executes and replies while holding the worker's serving lock.
func (s *Server) serveConn(conn net.Conn, w *worker) {
	br := bufio.NewReaderSize(conn, readBufferSize)
	var req protocol.Request
	for {
		if s.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return
			}
		}

		err := protocol.ReadRequest(br, &req)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrInvalidOp):
			s.log.Debug("invalid request", "remote", conn.RemoteAddr().String(), "op", uint8(req.Op))
			if !s.reply(w, func() error { return protocol.WriteError(conn, protocol.MsgInvalidRequest) }) {
				return
			}
			s.metrics.request("invalid", protocol.StatusError.String())
			continue
		case errors.Is(err, io.EOF):
			s.log.Debug("client closed", "remote", conn.RemoteAddr().String())
			return
		default:
			s.log.Debug("read failed", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}

		if !s.reply(w, func() error { return s.dispatch(conn, &req) }) {
			return
		}
	}
}

// reply runs fn under w's serving lock. It reports false when the
// connection should be dropped.
func (s *Server) reply(w *worker, fn func() error) bool {
	w.serving.Lock()
	defer w.serving.Unlock()
	if s.closing.Load() {
		return false
	}
	return fn() == nil
}

// dispatch executes req against the engine and writes the reply.
func (s *Server) dispatch(out io.Writer, req *protocol.Request) error {
	op := req.Op.String()
	switch req.Op {
	case protocol.OpGet:
		v, ok := s.engine.Get(&req.Key)
		if !ok {
			s.metrics.request(op, "miss")
			return protocol.WriteError(out, protocol.MsgKeyNotFound)
		}
		s.metrics.request(op, protocol.StatusOK.String())
		return protocol.WritePayload(out, protocol.StatusOK, &v)

	case protocol.OpPut:
		if err := s.engine.Put(&req.Key, &req.Value); err != nil {
			s.log.Error("put failed", "key", req.Key.String(), "err", err)
			s.metrics.request(op, protocol.StatusError.String())
			return protocol.WriteError(out, protocol.MsgStoreFailure)
		}
		s.metrics.request(op, protocol.StatusOK.String())
		return protocol.WriteStatus(out, protocol.StatusOK)

	case protocol.OpDelete:
		if !s.engine.Delete(&req.Key) {
			s.metrics.request(op, "miss")
			return protocol.WriteError(out, protocol.MsgKeyNotFound)
		}
		s.metrics.request(op, protocol.StatusOK.String())
		return protocol.WriteStatus(out, protocol.StatusOK)
	}
	s.metrics.request("invalid", protocol.StatusError.String())
	return protocol.WriteError(out, protocol.MsgInvalidRequest)
}
