package control

import (
	"fmt"
	"net"
	"time"
)

// Client sends control datagrams to a running daemon's Server, for use
// by the workshop-control CLI (cmd/workshopctl).
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the Unix datagram socket at addr (an
// abstract-namespace address if it begins with "@").
func Dial(addr string) (*Client, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the client's socket.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(packets ...Packet) error {
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(EncodeDatagram(packets...))
	return err
}

// Nop sends a no-op packet, useful as a liveness probe.
func (c *Client) Nop() error {
	return c.send(Packet{Command: NOP})
}

// Verbose sets the daemon's log verbosity level.
func (c *Client) Verbose(level int) error {
	if level < 0 || level > 255 {
		return fmt.Errorf("control: verbose level %d out of range", level)
	}
	return c.send(Packet{Command: VERBOSE, Payload: []byte{byte(level)}})
}

// DisableQueue pauses every partition's queue runner.
func (c *Client) DisableQueue() error {
	return c.send(Packet{Command: DISABLE_QUEUE})
}

// EnableQueue resumes every partition's queue runner.
func (c *Client) EnableQueue() error {
	return c.send(Packet{Command: ENABLE_QUEUE})
}

// TerminateChildren tears down every running operator whose plan name
// matches tag.
func (c *Client) TerminateChildren(tag string) error {
	return c.send(Packet{Command: TERMINATE_CHILDREN, Payload: []byte(tag)})
}
