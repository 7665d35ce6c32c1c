package ftp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// dataDialer is one pending data connection. Passive mode connects
// up front; active mode announces a listener with PORT and accepts the
// server's dial-back only after the transfer command, which is why the
// two are resolved through establish.
type dataDialer struct {
	c    *Client
	conn net.Conn     // passive, already connected
	l    net.Listener // active, awaiting the dial-back
}

// establish resolves the pending connection once the server accepted
// the transfer command.
func (d *dataDialer) establish() (net.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	if tl, ok := d.l.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(d.c.cfg.Timeout))
	}
	conn, err := d.l.Accept()
	d.l.Close()
	if err != nil {
		return nil, fmt.Errorf("ftp: active data accept: %w", err)
	}
	return d.c.maybeWrapTLS(conn)
}

// abort releases the pending connection after a refused transfer
// command.
func (d *dataDialer) abort() {
	if d.conn != nil {
		d.conn.Close()
	}
	if d.l != nil {
		d.l.Close()
	}
}

// openData prepares a data connection in the configured mode.
func (c *Client) openData() (*dataDialer, error) {
	if c.cfg.Active {
		return c.openDataActive()
	}
	return c.openDataPassive()
}

// openDataPassive sends PASV and connects to the advertised endpoint.
func (c *Client) openDataPassive() (*dataDialer, error) {
	_, msg, err := c.cmd(227, "PASV")
	if err != nil {
		return nil, err
	}
	addr, err := parsePasv(msg)
	if err != nil {
		return nil, err
	}

	// Some servers advertise an unroutable address; fall back to the
	// control connection peer.
	host, port, _ := net.SplitHostPort(addr)
	if ip := net.ParseIP(host); ip != nil && (ip.IsUnspecified() || ip.IsLoopback()) {
		peer, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
		if peer != host {
			addr = net.JoinHostPort(peer, port)
		}
	}

	conn, err := net.DialTimeout("tcp", addr, c.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("ftp: data connect %s: %w", addr, err)
	}
	wrapped, err := c.maybeWrapTLS(conn)
	if err != nil {
		return nil, err
	}
	return &dataDialer{c: c, conn: wrapped}, nil
}

// openDataActive listens on the control connection's local address and
// announces it with PORT.
func (c *Client) openDataActive() (*dataDialer, error) {
	ip := net.ParseIP(c.laddr).To4()
	if ip == nil {
		return nil, fmt.Errorf("ftp: active mode needs an IPv4 local address, have %q", c.laddr)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(c.laddr, "0"))
	if err != nil {
		return nil, fmt.Errorf("ftp: active listen: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if _, _, err := c.cmd(200, "PORT %d,%d,%d,%d,%d,%d",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff); err != nil {
		l.Close()
		return nil, err
	}
	return &dataDialer{c: c, l: l}, nil
}

// maybeWrapTLS upgrades a data connection when PROT P is active.
func (c *Client) maybeWrapTLS(conn net.Conn) (net.Conn, error) {
	if c.cfg.TLS == nil || !c.cfg.DataTLS {
		return conn, nil
	}
	tc := tls.Client(conn, c.cfg.TLS)
	if err := tc.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ftp: data TLS handshake: %w", err)
	}
	return tc, nil
}

// parsePasv extracts the endpoint from a 227 reply
// "Entering Passive Mode (h1,h2,h3,h4,p1,p2)".
func parsePasv(msg string) (string, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.IndexByte(msg, ')')
	raw := msg
	if start >= 0 && end > start {
		raw = msg[start+1 : end]
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("ftp: bad PASV reply %q", msg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("ftp: bad PASV reply %q", msg)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]<<8 | nums[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// DataWriter is an open STOR/APPE data stream. Close shuts the data
// connection and waits for the final transfer reply.
type DataWriter struct {
	conn   net.Conn
	client *Client
	closed bool
}

// Write sends payload bytes on the data channel.
func (w *DataWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.client.cfg.Timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}

// Close ends the data connection and consumes the 226 completion
// reply.
func (w *DataWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.conn.Close(); err != nil {
		return fmt.Errorf("ftp: close data: %w", err)
	}
	code, msg, err := w.client.readReply(0)
	if err != nil {
		return err
	}
	if code != 226 && code != 250 {
		return &ReplyError{Code: code, Msg: msg}
	}
	return nil
}

// Abort closes the data connection without waiting for the completion
// reply. The control session should be considered dead afterwards.
func (w *DataWriter) Abort() {
	w.closed = true
	w.conn.Close()
}

// Stor opens name for writing on the server. A positive offset issues
// REST first so the server appends at that position.
func (c *Client) Stor(name string, offset int64) (*DataWriter, error) {
	d, err := c.openData()
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if _, _, err := c.cmd(350, "REST %d", offset); err != nil {
			d.abort()
			return nil, err
		}
	}

	code, _, err := c.cmd(0, "STOR %s", name)
	if err != nil {
		d.abort()
		return nil, err
	}
	if code != 125 && code != 150 {
		d.abort()
		return nil, &ReplyError{Code: code, Msg: c.LastReply}
	}
	data, err := d.establish()
	if err != nil {
		return nil, err
	}
	return &DataWriter{conn: data, client: c}, nil
}

// Retr opens name for reading from the server, returning the data
// stream and a function that must be called after EOF to consume the
// completion reply.
func (c *Client) Retr(name string) (io.ReadCloser, func() error, error) {
	d, err := c.openData()
	if err != nil {
		return nil, nil, err
	}
	code, _, err := c.cmd(0, "RETR %s", name)
	if err != nil {
		d.abort()
		return nil, nil, err
	}
	if code != 125 && code != 150 {
		d.abort()
		return nil, nil, &ReplyError{Code: code, Msg: c.LastReply}
	}
	data, err := d.establish()
	if err != nil {
		return nil, nil, err
	}
	done := func() error {
		_, _, err := c.readReply(226)
		return err
	}
	return data, done, nil
}
