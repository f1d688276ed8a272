package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	e "github.com/opsrun/task-debugger/error"
	"github.com/opsrun/task-debugger/utils/gosync"
)

// MessageHandler receives decoded inbound messages and the end-of-session
// notification from a Channel.
type MessageHandler interface {
	OnMessage(msg dap.Message)
	// ConnectionClosed is invoked exactly once when either loop terminates.
	// err is nil on a clean EOF and e.ErrCancelled on cancellation.
	ConnectionClosed(err error)
}

// Channel turns the cancellable socket byte stream into a sequence of whole
// DAP messages and vice versa. A dedicated receive loop decodes frames into
// the handler, a dedicated send loop drains an unbounded FIFO queue so
// outbound responses and events stay strictly ordered no matter which
// goroutine produced them.
type Channel struct {
	sock    *Socket
	token   *CancellationToken
	handler MessageHandler

	queue *sendQueue

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewChannel(sock *Socket, token *CancellationToken, handler MessageHandler) *Channel {
	return &Channel{
		sock:    sock,
		token:   token,
		handler: handler,
		queue:   newSendQueue(),
	}
}

// Start launches the receive and send loops.
func (c *Channel) Start() {
	c.wg.Add(2)
	gosync.Go(context.Background(), func(ctx context.Context) {
		defer c.wg.Done()
		c.recvLoop()
	})
	gosync.Go(context.Background(), func(ctx context.Context) {
		defer c.wg.Done()
		c.sendLoop()
	})
}

// Send enqueues one outbound message. Enqueuing nil is the stop sentinel
// that drains the queue, closes the write half and ends the send loop.
func (c *Channel) Send(msg dap.Message) {
	c.queue.push(msg)
}

// Wait blocks until both loops have terminated.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) recvLoop() {
	reader := bufio.NewReader(&socketReader{sock: c.sock, token: c.token})
	for {
		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				// A malformed message never terminates the session, the
				// frame has already been consumed.
				logrus.Warnf("[Channel] dropping undecodable message: %v", err)
				continue
			}
			c.closed(err)
			return
		}
		logrus.Debugf("[Channel] received %T seq %d", msg, msg.GetSeq())
		c.handler.OnMessage(msg)
	}
}

func (c *Channel) sendLoop() {
	writer := bufio.NewWriter(&socketWriter{sock: c.sock, token: c.token})
	for {
		msg := c.queue.pop()
		if msg == nil {
			logrus.Debugf("[Channel] send loop stop sentinel received")
			c.sock.CloseWrite()
			return
		}
		if err := dap.WriteProtocolMessage(writer, msg); err != nil {
			c.closed(err)
			return
		}
		if err := writer.Flush(); err != nil {
			c.closed(err)
			return
		}
	}
}

// closed tears the channel down once: the peer loop is unblocked and the
// handler notified so threads waiting on client commands are released.
func (c *Channel) closed(err error) {
	c.closeOnce.Do(func() {
		switch {
		case errors.Is(err, e.ErrCancelled), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			logrus.Debugf("[Channel] connection closed: %v", err)
			err = nil
		default:
			logrus.Warnf("[Channel] connection lost: %v", err)
		}
		c.queue.push(nil)
		c.sock.Close()
		c.handler.ConnectionClosed(err)
	})
}

// socketReader adapts the guarded socket read to io.Reader for the codec.
type socketReader struct {
	sock  *Socket
	token *CancellationToken
}

func (r *socketReader) Read(p []byte) (int, error) {
	n, err := r.sock.read(p, r.token)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

// socketWriter adapts the guarded SendAll to io.Writer for the codec.
type socketWriter struct {
	sock  *Socket
	token *CancellationToken
}

func (w *socketWriter) Write(p []byte) (int, error) {
	if err := w.sock.SendAll(p, w.token); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sendQueue is the unbounded FIFO drained by the send loop.
type sendQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *linkedlistqueue.Queue
}

func newSendQueue() *sendQueue {
	q := &sendQueue{items: linkedlistqueue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(msg dap.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Enqueue(msg)
	q.cond.Signal()
}

func (q *sendQueue) pop() dap.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Empty() {
		q.cond.Wait()
	}
	item, _ := q.items.Dequeue()
	if item == nil {
		return nil
	}
	return item.(dap.Message)
}
