// Package msa implements the Monitor Status Area, the shared region
// holding one entry per monitored remote AFD. The monitor agent folds
// remote status into it; dashboards attach read-only.
package msa

import (
	"time"
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// Version is the MSA on-disk ABI version.
const Version = 1

// FileName is the region file name below the fifo directory.
const FileName = "MSA"

// Limits baked into the record layout.
const (
	MaxAFDAliasLength = 39
	MaxHostnameLength = 39

	// StorageTime is the number of days kept in the top-rate rings.
	StorageTime = 7

	// LogHistories is the number of rolling log history lines kept per
	// entry, MaxLogHistory chars each.
	LogHistories  = 3
	MaxLogHistory = 48
)

// History line indices into LogHistory.
const (
	HistReceive = iota
	HistTransfer
	HistError
)

// Connect status values.
const (
	Disconnected int32 = iota
	Connecting
	Established
	Defunct
	Disabled
)

// Switching modes for redundant peers.
const (
	SwitchingNone byte = iota
	SwitchingAuto
	SwitchingManual
)

// Log capability bits advertised by the remote afdd.
const (
	CapSystemLog uint32 = 1 << iota
	CapEventLog
	CapReceiveLog
	CapTransferLog
	CapTransferDebugLog
	CapInputLog
	CapDistributionLog
	CapProductionLog
	CapOutputLog
	CapDeleteLog
)

// Entry is one monitored AFD record.
type Entry struct {
	LastDataTime  int64
	TopTime       int64 // day the top-rate rings were last shifted
	FilesReceived int64
	BytesReceived int64

	TopTransferRate  [StorageTime]uint64
	TopFileRate      [StorageTime]uint64
	TopNoOfTransfers [StorageTime]int32

	LogCapabilities  uint32
	ConnectStatus    int32
	PollInterval     int32
	ConnectTime      int32 // dwell: QUIT after this many seconds connected
	DisconnectTime   int32 // dwell: stay away this many seconds
	NoOfTransfers    int32
	JobsInQueue      int32
	HostErrorCounter int32
	Port             [2]int32

	AFDToggle    byte // index of the live peer hostname, 0 or 1
	AFDSwitching byte

	LogHistory [LogHistories][MaxLogHistory]byte

	AFDAlias [MaxAFDAliasLength + 1]byte
	HostName [2][MaxHostnameLength + 1]byte

	_ [2]byte
}

// EntrySize is the on-disk record size; part of the ABI.
const EntrySize = 480

var _ [EntrySize]byte = [unsafe.Sizeof(Entry{})]byte{}

// MSA is an attached Monitor Status Area.
type MSA struct {
	r     *region.Region
	Peers []Entry
}

// Create builds a new MSA with room for count peers.
func Create(path string, count int) (*MSA, error) {
	r, err := region.Create(path, Version, EntrySize, count)
	if err != nil {
		return nil, err
	}
	return &MSA{r: r, Peers: region.View[Entry](r)}, nil
}

// Attach maps an existing MSA.
func Attach(path string, mode region.Mode) (*MSA, error) {
	r, err := region.Attach(path, Version, EntrySize, mode)
	if err != nil {
		return nil, err
	}
	return &MSA{r: r, Peers: region.View[Entry](r)}, nil
}

// Detach unmaps the MSA.
func (m *MSA) Detach() error { return m.r.Detach() }

// Region exposes the underlying region.
func (m *MSA) Region() *region.Region { return m.r }

// PosOfPeer returns the index of the peer with the given alias, or -1.
func (m *MSA) PosOfPeer(alias string) int {
	for i := range m.Peers {
		if m.Peers[i].Alias() == alias {
			return i
		}
	}
	return -1
}

// Alias returns the peer alias.
func (e *Entry) Alias() string { return region.CStr(e.AFDAlias[:]) }

// SetAlias stores the peer alias.
func (e *Entry) SetAlias(s string) { region.SetCStr(e.AFDAlias[:], s) }

// CurrentHostname returns the peer hostname selected by AFDToggle.
func (e *Entry) CurrentHostname() string {
	i := e.AFDToggle
	if i > 1 {
		i = 0
	}
	return region.CStr(e.HostName[i][:])
}

// CurrentPort returns the peer port selected by AFDToggle.
func (e *Entry) CurrentPort() int {
	i := e.AFDToggle
	if i > 1 {
		i = 0
	}
	return int(e.Port[i])
}

// SetHostname stores the peer hostname for toggle slot i.
func (e *Entry) SetHostname(i int, s string) { region.SetCStr(e.HostName[i][:], s) }

// Toggle flips the live peer hostname when a secondary is configured.
func (e *Entry) Toggle() {
	if region.CStr(e.HostName[1][:]) == "" {
		return
	}
	e.AFDToggle ^= 1
}

// RollTop shifts the top-rate rings by one slot when now has crossed
// into a new day relative to TopTime, dropping the oldest day.
func (e *Entry) RollTop(now time.Time) {
	day := now.Truncate(24 * time.Hour).Unix()
	if e.TopTime == day {
		return
	}
	copy(e.TopTransferRate[1:], e.TopTransferRate[:StorageTime-1])
	copy(e.TopFileRate[1:], e.TopFileRate[:StorageTime-1])
	copy(e.TopNoOfTransfers[1:], e.TopNoOfTransfers[:StorageTime-1])
	e.TopTransferRate[0] = 0
	e.TopFileRate[0] = 0
	e.TopNoOfTransfers[0] = 0
	e.TopTime = day
}

// NoteRates folds a sample into today's top-rate slots.
func (e *Entry) NoteRates(now time.Time, transferRate, fileRate uint64, transfers int32) {
	e.RollTop(now)
	if transferRate > e.TopTransferRate[0] {
		e.TopTransferRate[0] = transferRate
	}
	if fileRate > e.TopFileRate[0] {
		e.TopFileRate[0] = fileRate
	}
	if transfers > e.TopNoOfTransfers[0] {
		e.TopNoOfTransfers[0] = transfers
	}
}

// PushLogHistory shifts history line h left by one and appends c,
// giving dashboards a MaxLogHistory-wide activity strip.
func (e *Entry) PushLogHistory(h int, c byte) {
	copy(e.LogHistory[h][:], e.LogHistory[h][1:])
	e.LogHistory[h][MaxLogHistory-1] = c
}
