// Package afdd implements the peer control server of the monitor
// protocol and the wire format shared with the monitor agent: a
// line-oriented command channel plus a framed log stream on a second
// connection.
package afdd

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands of the control channel.
const (
	CmdStartStat = "START_STAT"
	CmdStat      = "STAT"
	CmdQuit      = "QUIT"
	CmdGotLC     = "GOT_LC"
	CmdLog       = "LOG"
)

// Reply codes. CodeShuttingDown is the scheduled-disconnect class the
// agent must not treat as a failure.
const (
	CodeReady        = 220
	CodeOK           = 200
	CodeStat         = 211
	CodeBye          = 221
	CodeUnknown      = 502
	CodeShuttingDown = 510
)

// Stat is one remote status sample. Counters are cumulative since the
// remote AFD started; the agent derives rates from consecutive
// samples.
type Stat struct {
	NoOfTransfers    int32
	JobsInQueue      int32
	HostErrorCounter int32
	FilesReceived    int64
	BytesReceived    int64
	LogCapabilities  uint32
}

// Encode renders the key/value stat line sent after START_STAT and
// STAT.
func (s Stat) Encode() string {
	return fmt.Sprintf("NT=%d JQ=%d HE=%d FR=%d BR=%d LC=%d",
		s.NoOfTransfers, s.JobsInQueue, s.HostErrorCounter,
		s.FilesReceived, s.BytesReceived, s.LogCapabilities)
}

// ParseStat reads a stat line back. Unknown keys are skipped so older
// agents keep working against newer peers.
func ParseStat(line string) (Stat, error) {
	var s Stat
	for _, field := range strings.Fields(line) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return s, fmt.Errorf("afdd: malformed stat field %q", field)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return s, fmt.Errorf("afdd: stat field %s: %w", key, err)
		}
		switch key {
		case "NT":
			s.NoOfTransfers = int32(n)
		case "JQ":
			s.JobsInQueue = int32(n)
		case "HE":
			s.HostErrorCounter = int32(n)
		case "FR":
			s.FilesReceived = n
		case "BR":
			s.BytesReceived = n
		case "LC":
			s.LogCapabilities = uint32(n)
		}
	}
	return s, nil
}

// ParseReply splits "<code> <text>" control replies.
func ParseReply(line string) (code int, text string, err error) {
	c, rest, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
	code, err = strconv.Atoi(c)
	if err != nil {
		return 0, "", fmt.Errorf("afdd: malformed reply %q", line)
	}
	return code, rest, nil
}
