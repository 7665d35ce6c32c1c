// Package logmon subscribes to the framed log stream of a remote afdd
// and maintains local copies of the remote log files, including their
// inode-driven rotation.
package logmon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame is one decoded unit of the log stream.
type Frame struct {
	Kind     byte
	Options  uint32
	PacketNo uint32
	Payload  []byte

	// Nop marks the short heartbeat form.
	Nop bool

	// Inode marks an inode message; InodeStr is its
	// "<inode> <log-number>" body.
	Inode    bool
	InodeStr string
}

// ErrBadFrame reports a byte that cannot start a frame. The caller is
// expected to discard buffered input and resynchronise on the next
// read.
var ErrBadFrame = errors.New("logmon: unparseable frame")

// Decoder reads frames off a stream, buffering partial frames across
// read boundaries.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a stream.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Discard drops everything currently buffered. Used after ErrBadFrame
// so a corrupt region is skipped instead of re-parsed byte by byte.
func (d *Decoder) Discard() {
	d.r.Discard(d.r.Buffered())
}

// Next returns the next frame. Read errors pass through unwrapped so
// deadline errors stay recognisable.
func (d *Decoder) Next() (Frame, error) {
	lead, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	switch lead {
	case 'L':
		return d.dataFrame()
	case 'O':
		return d.inodeFrame()
	default:
		return Frame{}, fmt.Errorf("%w: leading byte 0x%02x", ErrBadFrame, lead)
	}
}

func (d *Decoder) dataFrame() (Frame, error) {
	kind, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	// The heartbeat is the short form "LN\r\n"; a full LN header is
	// accepted too.
	if kind == 'N' {
		peek, err := d.r.Peek(2)
		if err == nil && peek[0] == '\r' && peek[1] == '\n' {
			d.r.Discard(2)
			return Frame{Kind: kind, Nop: true}, nil
		}
	}

	hdr, err := d.r.ReadString(0)
	if err != nil {
		return Frame{}, err
	}
	fields := strings.Fields(strings.TrimSuffix(hdr, "\x00"))
	if len(fields) != 3 {
		return Frame{}, fmt.Errorf("%w: header %q", ErrBadFrame, hdr)
	}
	options, err1 := strconv.ParseUint(fields[0], 10, 32)
	packetNo, err2 := strconv.ParseUint(fields[1], 10, 32)
	length, err3 := strconv.ParseUint(fields[2], 10, 31)
	if err1 != nil || err2 != nil || err3 != nil {
		return Frame{}, fmt.Errorf("%w: header %q", ErrBadFrame, hdr)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{
		Kind:     kind,
		Options:  uint32(options),
		PacketNo: uint32(packetNo),
		Payload:  payload,
		Nop:      kind == 'N',
	}, nil
}

func (d *Decoder) inodeFrame() (Frame, error) {
	kind, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	line, err := d.r.ReadString('\n')
	if err != nil {
		return Frame{}, err
	}
	body := strings.TrimPrefix(strings.TrimRight(line, "\r\n"), " ")
	return Frame{Kind: kind, Inode: true, InodeStr: body}, nil
}
