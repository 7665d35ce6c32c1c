package afdd

import "fmt"

// Log stream kinds. Each frame header starts with 'L' followed by one
// of these letters; inode messages start with 'O' followed by the same
// letter.
const (
	KindSystem        = 'S'
	KindEvent         = 'E'
	KindReceive       = 'R'
	KindTransfer      = 'T'
	KindTransferDebug = 'B'
	KindInput         = 'I'
	KindDistribution  = 'U'
	KindProduction    = 'P'
	KindOutput        = 'O'
	KindDelete        = 'D'
	KindNop           = 'N'
)

// CompressionMask extracts the compression-type nibble from the frame
// options field.
const CompressionMask = 0xF

// Compression types carried in the options nibble.
const (
	CompressNone = 0
	CompressZlib = 1
)

// EncodeFrame renders one log data frame:
//
//	'L' kind SP options SP packetNo SP len(payload) NUL payload
func EncodeFrame(kind byte, options, packetNo uint32, payload []byte) []byte {
	hdr := fmt.Sprintf("L%c %d %d %d\x00", kind, options, packetNo, len(payload))
	out := make([]byte, 0, len(hdr)+len(payload))
	out = append(out, hdr...)
	return append(out, payload...)
}

// EncodeNop renders the heartbeat, the short form "LN" CRLF.
func EncodeNop() []byte {
	return []byte("LN\r\n")
}

// EncodeInode renders an inode message announcing the remote log file
// identity of a kind:
//
//	'O' kind SP "<inode> <log-number>" CRLF
func EncodeInode(kind byte, inode uint64, logNumber int) []byte {
	return []byte(fmt.Sprintf("O%c %d %d\r\n", kind, inode, logNumber))
}
