package protocol

import (
	"net"
	"sync"
	"time"
)

// Conn wraps a net.Conn with frame I/O. Reads stay single-owner (the
// session handler's reader loop); writes are mutex-serialized so replies
// from the handler and pushes from the operator loop never interleave.
type Conn struct {
	nc net.Conn
	fr *FrameReader

	writeMu sync.Mutex
	fw      *FrameWriter

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a network connection with the default frame size limit.
func NewConn(nc net.Conn) *Conn {
	return NewConnSize(nc, DefaultMaxFrameSize)
}

// NewConnSize wraps a network connection with a custom frame size limit.
func NewConnSize(nc net.Conn, max uint32) *Conn {
	return &Conn{
		nc: nc,
		fr: NewFrameReaderSize(nc, max),
		fw: NewFrameWriterSize(nc, max),
	}
}

// ReadMessage reads and decodes the next message.
func (c *Conn) ReadMessage() (Message, error) {
	payload, err := c.fr.Read()
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(payload), nil
}

// WriteMessage writes one message payload as a single frame.
func (c *Conn) WriteMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.Write(payload)
}

// SetReadDeadline sets the deadline for the next frame read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for frame writes.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.nc.SetWriteDeadline(t)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection. Safe to call multiple times
// and from any goroutine; closing unblocks a pending read.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
