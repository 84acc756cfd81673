package ws

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/stream"
)

// Conn is one authenticated client connection. Reads and writes run on
// separate goroutines; a write failure closes only this connection,
// never the server.
type Conn struct {
	id       id.ConnectionID
	netConn  net.Conn
	codec    Codec
	identity Identity
	sub      *stream.Subscriber
	logger   *slog.Logger

	writeMu   sync.Mutex
	lastPong  atomic.Int64
	closeOnce sync.Once
	onClose   func(*Conn)
}

// ID returns the connection identity.
func (c *Conn) ID() id.ConnectionID { return c.id }

// Identity returns the authenticated principal.
func (c *Conn) Identity() Identity { return c.identity }

// touch records heartbeat liveness.
func (c *Conn) touch() { c.lastPong.Store(time.Now().UnixNano()) }

// stale reports whether the connection has missed heartbeats past the cutoff.
func (c *Conn) stale(cutoff time.Time) bool {
	return time.Unix(0, c.lastPong.Load()).Before(cutoff)
}

// send encodes and writes one frame.
func (c *Conn) send(f *Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.netConn, c.codec.OpCode(), data)
}

// sendError best-effort reports a problem to the client.
func (c *Conn) sendError(code, message string) {
	_ = c.send(&Frame{Op: OpError, Code: code, Message: message})
}

// close tears the connection down once: broker unsubscribe, socket
// close, server bookkeeping.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.netConn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.logger.Debug("connection closed",
			slog.String("connection_id", c.id.String()),
			slog.String("user_id", c.identity.UserID),
		)
	})
}

// writeLoop forwards broker messages to the client until the
// subscription channel closes or a write fails.
func (c *Conn) writeLoop() {
	defer c.close()
	for m := range c.sub.C() {
		if err := c.send(&Frame{Op: OpNotification, Notification: m}); err != nil {
			c.logger.Debug("write failed",
				slog.String("connection_id", c.id.String()),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// readLoop handles inbound frames until the client goes away.
func (c *Conn) readLoop(maxMessageSize int) {
	defer c.close()
	for {
		data, _, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			return
		}
		if maxMessageSize > 0 && len(data) > maxMessageSize {
			sizeErr := &MessageSizeError{Size: len(data), Limit: maxMessageSize}
			c.sendError("MESSAGE_TOO_LARGE", sizeErr.Error())
			return
		}

		var f Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			c.sendError("MALFORMED_FRAME", err.Error())
			continue
		}
		c.handle(&f)
	}
}

func (c *Conn) handle(f *Frame) {
	switch f.Op {
	case OpPing:
		c.touch()
		_ = c.send(&Frame{Op: OpPong})
	case OpPong:
		c.touch()
	case OpSubscribe:
		if f.Filter == nil {
			c.sendError("MISSING_FILTER", "subscribe frame carries no filter")
			return
		}
		c.sub.AddFilter(*f.Filter)
	case OpUnsubscribe:
		if f.Filter == nil {
			c.sendError("MISSING_FILTER", "unsubscribe frame carries no filter")
			return
		}
		c.sub.RemoveFilter(*f.Filter)
	case OpCredits:
		c.sub.Grant(f.Credits)
	default:
		c.sendError("UNKNOWN_OP", string(f.Op))
	}
}
