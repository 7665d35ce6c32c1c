package supervisor

import (
	"github.com/afd-project/afd/pkg/active"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/jid"
	"github.com/afd-project/afd/pkg/msa"
)

// TypeSize is one shared region record size.
type TypeSize struct {
	Name string
	Size int
}

// TypeSizes reports the on-disk record size of every shared region.
// Tools attaching from another build compare these against their own
// compiled-in sizes before trusting the mapping.
func TypeSizes() []TypeSize {
	return []TypeSize{
		{"active entry", active.EntrySize},
		{"fsa entry", fsa.EntrySize},
		{"fra entry", fra.EntrySize},
		{"msa entry", msa.EntrySize},
		{"jid entry", jid.EntrySize},
		{"dir name buffer", jid.DirNameSize},
		{"dir config record", jid.DirConfigSize},
	}
}
