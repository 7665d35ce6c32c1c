// Package ftp implements the FTP/FTPS client side used by the
// transfer workers: a single control connection, explicit or implicit
// TLS, passive or active data channels, and the small command surface
// the transfer state machine needs (STOR with restart offset, SIZE,
// LIST, RNFR/RNTO, SITE, STAT keepalive).
package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"
)

// Config controls how a client connects.
type Config struct {
	// Timeout applies to dial and to every control channel exchange.
	Timeout time.Duration

	// TLS enables explicit FTPS (AUTH TLS after connect). ImplicitTLS
	// instead starts the control connection already encrypted.
	TLS         *tls.Config
	ImplicitTLS bool

	// DataTLS additionally protects data connections (PBSZ 0, PROT P).
	DataTLS bool

	// Active switches data connections from passive (PASV) to active
	// (PORT) mode.
	Active bool
}

// ReplyError is a non-positive FTP reply.
type ReplyError struct {
	Code int
	Msg  string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("ftp: %d %s", e.Code, e.Msg)
}

// IsTransient reports whether err looks like a remote idle-timeout or
// scheduled connection close rather than a hard failure. Workers turn
// these into a self-requested requeue.
func IsTransient(err error) bool {
	re, ok := err.(*ReplyError)
	if !ok {
		return false
	}
	if re.Code == 421 {
		return true
	}
	msg := strings.ToLower(re.Msg)
	return strings.Contains(msg, "idle timeout") ||
		strings.Contains(msg, "closing control connection")
}

// Client is one FTP control session.
type Client struct {
	conn    net.Conn
	text    *textproto.Reader
	cfg     Config
	laddr   string // local IP for active mode listeners
	curType byte
	curDir  string

	// LastCode and LastReply hold the most recent control reply for
	// diagnostics.
	LastCode  int
	LastReply string
}

// Dial connects to addr (host:port) and reads the greeting. With
// ImplicitTLS the connection is encrypted from the first byte.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ftp: connect %s: %w", addr, err)
	}

	if cfg.ImplicitTLS {
		if cfg.TLS == nil {
			conn.Close()
			return nil, fmt.Errorf("ftp: implicit TLS requested without TLS config")
		}
		tc := tls.Client(conn, cfg.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ftp: TLS handshake %s: %w", addr, err)
		}
		conn = tc
	}

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	c := &Client{
		conn:  conn,
		text:  textproto.NewReader(bufio.NewReader(conn)),
		cfg:   cfg,
		laddr: host,
	}
	if _, _, err := c.readReply(220); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// AuthTLS upgrades the control connection with AUTH TLS and, when
// DataTLS is set, arranges protected data channels.
func (c *Client) AuthTLS(ctx context.Context) error {
	if c.cfg.TLS == nil {
		return fmt.Errorf("ftp: AUTH TLS without TLS config")
	}
	if _, _, err := c.cmd(234, "AUTH TLS"); err != nil {
		return err
	}
	tc := tls.Client(c.conn, c.cfg.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("ftp: TLS handshake: %w", err)
	}
	c.conn = tc
	c.text = textproto.NewReader(bufio.NewReader(tc))

	if c.cfg.DataTLS {
		if _, _, err := c.cmd(200, "PBSZ 0"); err != nil {
			return err
		}
		if _, _, err := c.cmd(200, "PROT P"); err != nil {
			return err
		}
	}
	return nil
}

// User sends USER and reports whether a PASS is still required. On a
// session being reused for a new user the server may refuse the first
// USER once; the caller handles reconnect.
func (c *Client) User(user string) (needPass bool, err error) {
	code, _, err := c.cmd(0, "USER %s", user)
	if err != nil {
		return false, err
	}
	switch code {
	case 230:
		return false, nil
	case 331:
		return true, nil
	default:
		return false, &ReplyError{Code: code, Msg: c.LastReply}
	}
}

// Pass completes the login.
func (c *Client) Pass(pass string) error {
	_, _, err := c.cmd(230, "PASS %s", pass)
	return err
}

// Login performs USER/PASS. A 230 on USER alone (no password needed)
// is accepted.
func (c *Client) Login(user, pass string) error {
	needPass, err := c.User(user)
	if err != nil {
		return err
	}
	if !needPass {
		return nil
	}
	return c.Pass(pass)
}

// Type issues a TYPE command. Mode 'N' sends nothing.
func (c *Client) Type(mode byte) error {
	if mode == 'N' || mode == c.curType {
		return nil
	}
	wire := mode
	if wire == 'D' {
		wire = 'I'
	}
	if _, _, err := c.cmd(200, "TYPE %c", wire); err != nil {
		return err
	}
	c.curType = mode
	return nil
}

// Cwd changes the remote working directory.
func (c *Client) Cwd(dir string) error {
	if dir == "" || dir == c.curDir {
		return nil
	}
	if _, _, err := c.cmd(250, "CWD %s", dir); err != nil {
		return err
	}
	c.curDir = dir
	return nil
}

// CwdCreate changes to dir, creating missing path elements with the
// given octal mode (empty keeps the server default).
func (c *Client) CwdCreate(dir, dirMode string) error {
	if err := c.Cwd(dir); err == nil {
		return nil
	}
	elems := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, e := range elems {
		cur = path.Join(cur, e)
		if code, _, err := c.cmd(0, "CWD %s", cur); err != nil {
			return err
		} else if code == 250 {
			continue
		}
		if _, _, err := c.cmd(257, "MKD %s", cur); err != nil {
			return err
		}
		if dirMode != "" {
			// Best effort; not every server implements SITE CHMOD.
			c.cmd(0, "SITE CHMOD %s %s", dirMode, cur)
		}
		if _, _, err := c.cmd(250, "CWD %s", cur); err != nil {
			return err
		}
	}
	c.curDir = dir
	return nil
}

// Pwd returns the current remote directory.
func (c *Client) Pwd() (string, error) {
	_, msg, err := c.cmd(257, "PWD")
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(msg, '"'); i >= 0 {
		if j := strings.IndexByte(msg[i+1:], '"'); j >= 0 {
			return msg[i+1 : i+1+j], nil
		}
	}
	return msg, nil
}

// Size asks the server for the size of name via SIZE.
func (c *Client) Size(name string) (int64, error) {
	_, msg, err := c.cmd(213, "SIZE %s", name)
	if err != nil {
		return -1, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("ftp: bad SIZE reply %q: %w", msg, err)
	}
	return n, nil
}

// StatList runs STAT name on the control connection and returns the
// listing lines. Used when the host requests STAT instead of LIST.
func (c *Client) StatList(name string) ([]string, error) {
	_, msg, err := c.cmd(0, "STAT %s", name)
	if err != nil {
		return nil, err
	}
	if c.LastCode != 211 && c.LastCode != 212 && c.LastCode != 213 {
		return nil, &ReplyError{Code: c.LastCode, Msg: msg}
	}
	var lines []string
	for _, l := range strings.Split(msg, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	// First and last lines are the STAT banner.
	if len(lines) >= 2 {
		lines = lines[1 : len(lines)-1]
	}
	return lines, nil
}

// List retrieves a LIST of name over a data connection.
func (c *Client) List(name string) ([]string, error) {
	d, err := c.openData()
	if err != nil {
		return nil, err
	}
	cmd := "LIST"
	if name != "" {
		cmd = "LIST " + name
	}
	if code, _, err := c.cmd(0, "%s", cmd); err != nil {
		d.abort()
		return nil, err
	} else if code != 125 && code != 150 {
		d.abort()
		return nil, &ReplyError{Code: code, Msg: c.LastReply}
	}
	data, err := d.establish()
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(data)
	data.Close()
	if err != nil {
		return nil, fmt.Errorf("ftp: read LIST data: %w", err)
	}
	if _, _, err := c.readReply(226); err != nil {
		return nil, err
	}

	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Dele removes a remote file.
func (c *Client) Dele(name string) error {
	_, _, err := c.cmd(250, "DELE %s", name)
	return err
}

// Rename moves a remote file via RNFR/RNTO.
func (c *Client) Rename(from, to string) error {
	if _, _, err := c.cmd(350, "RNFR %s", from); err != nil {
		return err
	}
	_, _, err := c.cmd(250, "RNTO %s", to)
	return err
}

// Site sends a free-form SITE command.
func (c *Client) Site(cmd string) error {
	code, _, err := c.cmd(0, "SITE %s", cmd)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &ReplyError{Code: code, Msg: c.LastReply}
	}
	return nil
}

// Chmod changes remote file permissions via SITE CHMOD.
func (c *Client) Chmod(mode, name string) error {
	return c.Site(fmt.Sprintf("CHMOD %s %s", mode, name))
}

// SetModTime sets the remote modification time with MFMT, falling back
// to nothing when the server refuses (the caller treats it as advice).
func (c *Client) SetModTime(name string, t time.Time) error {
	code, _, err := c.cmd(0, "MFMT %s %s", t.UTC().Format("20060102150405"), name)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &ReplyError{Code: code, Msg: c.LastReply}
	}
	return nil
}

// Idle requests a longer server idle timeout via SITE IDLE.
func (c *Client) Idle(seconds int) error {
	return c.Site(fmt.Sprintf("IDLE %d", seconds))
}

// UTF8On announces UTF-8 pathnames (OPTS UTF8 ON).
func (c *Client) UTF8On() error {
	code, _, err := c.cmd(0, "OPTS UTF8 ON")
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &ReplyError{Code: code, Msg: c.LastReply}
	}
	return nil
}

// Keepalive sends STAT on the control connection to keep NAT and
// firewall state alive during long transfers.
func (c *Client) Keepalive() error {
	_, _, err := c.cmd(0, "STAT")
	return err
}

// Quit ends the session politely and closes the connection.
func (c *Client) Quit() error {
	c.cmd(0, "QUIT")
	return c.conn.Close()
}

// Close tears the connection down without QUIT. Used after EPIPE when
// the session is already gone.
func (c *Client) Close() error {
	return c.conn.Close()
}

// cmd sends one command line and reads the reply. expect 0 accepts any
// code; otherwise a mismatch becomes a ReplyError.
func (c *Client) cmd(expect int, format string, args ...any) (int, string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return 0, "", err
	}
	if _, err := fmt.Fprintf(c.conn, format+"\r\n", args...); err != nil {
		return 0, "", fmt.Errorf("ftp: send: %w", err)
	}
	return c.readReply(expect)
}

// readReply reads one (possibly multiline) reply.
func (c *Client) readReply(expect int) (int, string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return 0, "", err
	}
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		if code == 0 {
			return 0, "", fmt.Errorf("ftp: read reply: %w", err)
		}
	}
	c.LastCode = code
	c.LastReply = msg
	if expect != 0 && code != expect {
		return code, msg, &ReplyError{Code: code, Msg: msg}
	}
	return code, msg, nil
}
