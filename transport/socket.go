package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	e "github.com/opsrun/task-debugger/error"
)

// aLongTimeAgo is a time in the past used to poison a connection deadline so
// an in-flight read or write unblocks immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Socket wraps a TCP connection so accept, connect, recv and send are all
// cancellable through a CancellationToken. A cancelled operation fails with
// e.ErrCancelled, never with a generic I/O error, so callers can tell
// "cancelled" apart from "peer error".
type Socket struct {
	use      string
	conn     net.Conn
	listener net.Listener
}

// Dial connects to addr as the debuggee in connect mode.
func Dial(use, addr string, token *CancellationToken, timeout time.Duration) (*Socket, error) {
	logrus.Debugf("[Socket] %s connecting to %s", use, addr)
	s := &Socket{use: use}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := token.Register(cancel)
	if err != nil {
		return nil, e.ErrCancelled
	}
	defer token.Unregister(id)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if token.Cancelled() {
			return nil, e.ErrCancelled
		}
		return nil, err
	}
	s.conn = conn
	logrus.Debugf("[Socket] %s connection successful", use)
	return s, nil
}

// Listen binds addr in listen mode. The returned socket has no connection
// until Accept succeeds.
func Listen(use, addr string) (*Socket, error) {
	logrus.Debugf("[Socket] %s binding to %s", use, addr)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Socket{use: use, listener: listener}, nil
}

// Addr returns the bound address in listen mode, otherwise the local
// connection address.
func (s *Socket) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return s.conn.LocalAddr()
}

// Accept waits for one incoming connection. Only one connection is expected
// per server socket so the listener is closed once a peer arrives. A wait
// longer than timeout fails with e.ErrAcceptTimeout, a cancellation with
// e.ErrCancelled.
func (s *Socket) Accept(token *CancellationToken, timeout time.Duration) error {
	logrus.Debugf("[Socket] %s starting accept", s.use)
	id, err := token.Register(func() { _ = s.listener.Close() })
	if err != nil {
		return e.ErrCancelled
	}
	defer token.Unregister(id)

	if timeout > 0 {
		if tl, ok := s.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(timeout))
		}
	}

	conn, err := s.listener.Accept()
	if err != nil {
		if token.Cancelled() {
			return e.ErrCancelled
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return e.ErrAcceptTimeout
		}
		return err
	}
	logrus.Debugf("[Socket] %s accepted conn from %s", s.use, conn.RemoteAddr())

	_ = s.listener.Close()
	s.listener = nil
	s.conn = conn
	return nil
}

// read performs one guarded read from the connection.
func (s *Socket) read(p []byte, token *CancellationToken) (int, error) {
	id, err := token.Register(func() { _ = s.conn.SetReadDeadline(aLongTimeAgo) })
	if err != nil {
		return 0, e.ErrCancelled
	}
	defer token.Unregister(id)

	n, err := s.conn.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && token.Cancelled() {
		return n, e.ErrCancelled
	}
	return n, err
}

// RecvExact reads until n bytes have arrived or the peer closes the stream.
// On a clean close the buffer read so far is returned, callers detect
// end-of-stream by comparing the returned length to n.
func (s *Socket) RecvExact(n int, token *CancellationToken) ([]byte, error) {
	buffer := make([]byte, n)
	read := 0
	for read < n {
		nr, err := s.read(buffer[read:], token)
		read += nr
		if errors.Is(err, io.EOF) || (err == nil && nr == 0) {
			break
		}
		if err != nil {
			return buffer[:read], err
		}
	}
	logrus.Debugf("[Socket] %s recv(%d): got %d bytes", s.use, n, read)
	return buffer[:read], nil
}

// SendAll writes the whole buffer through a guarded write.
func (s *Socket) SendAll(data []byte, token *CancellationToken) error {
	id, err := token.Register(func() { _ = s.conn.SetWriteDeadline(aLongTimeAgo) })
	if err != nil {
		return e.ErrCancelled
	}
	defer token.Unregister(id)

	for len(data) > 0 {
		n, err := s.conn.Write(data)
		if err != nil {
			if token.Cancelled() {
				return e.ErrCancelled
			}
			return err
		}
		data = data[n:]
	}
	if token.Cancelled() {
		return e.ErrCancelled
	}
	return nil
}

// CloseWrite shuts down the write half so the peer observes EOF. Teardown
// errors are expected during concurrent cancellation races and suppressed.
func (s *Socket) CloseWrite() {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func (s *Socket) Close() {
	logrus.Debugf("[Socket] closing %s socket", s.use)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// NewSocket wraps an already connected conn, e.g. one half of a pipe.
func NewSocket(use string, conn net.Conn) *Socket {
	return &Socket{use: use, conn: conn}
}
