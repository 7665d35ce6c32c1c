package jid

import (
	"unsafe"

	"github.com/afd-project/afd/pkg/region"
)

// DCLFileName is the DIR_CONFIG list region file name.
const DCLFileName = "DCL"

// DirConfig maps a DIR_CONFIG id to the config snippet that produced
// it.
type DirConfig struct {
	DCID uint32
	_    [4]byte
	File [MaxPathLength + 1]byte
}

// DirConfigSize is the on-disk record size.
const DirConfigSize = 264

var _ [DirConfigSize]byte = [unsafe.Sizeof(DirConfig{})]byte{}

// Path returns the config snippet path.
func (d *DirConfig) Path() string { return region.CStr(d.File[:]) }

// DCL is an attached DIR_CONFIG list.
type DCL struct {
	r       *region.Region
	Configs []DirConfig
}

// CreateDCL builds an empty DIR_CONFIG list.
func CreateDCL(path string) (*DCL, error) {
	r, err := region.Create(path, Version, DirConfigSize, 0)
	if err != nil {
		return nil, err
	}
	return &DCL{r: r}, nil
}

// AttachDCL maps an existing DIR_CONFIG list.
func AttachDCL(path string, mode region.Mode) (*DCL, error) {
	r, err := region.Attach(path, Version, DirConfigSize, mode)
	if err != nil {
		return nil, err
	}
	return &DCL{r: r, Configs: region.View[DirConfig](r)}, nil
}

// Detach unmaps the list.
func (d *DCL) Detach() error { return d.r.Detach() }

// Lookup returns the record for dcID, or nil.
func (d *DCL) Lookup(dcID uint32) *DirConfig {
	for i := range d.Configs {
		if d.Configs[i].DCID == dcID {
			return &d.Configs[i]
		}
	}
	return nil
}

// Add registers a DIR_CONFIG file and returns its id.
func (d *DCL) Add(file string) (uint32, error) {
	id := HashDir(file)
	if d.Lookup(id) != nil {
		return id, nil
	}

	n := len(d.Configs)
	if err := d.r.Grow(n + 1); err != nil {
		return 0, err
	}
	full := region.View[DirConfig](d.r)
	rec := &full[n]
	rec.DCID = id
	region.SetCStr(rec.File[:], file)
	d.Configs = full
	return id, nil
}
