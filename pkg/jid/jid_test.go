package jid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afd/pkg/region"
)

func TestJobAddIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	db, err := Create(path)
	require.NoError(t, err)
	defer db.Detach()

	opts := []string{"lock DOT", "archive 3"}
	id1, err := db.Add(1, 10, 20, 30, "ftp://u:p@host:21/in/", 5, opts)
	require.NoError(t, err)
	id2, err := db.Add(1, 10, 20, 30, "ftp://u:p@host:21/in/", 5, opts)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, db.Len())

	j := db.Lookup(id1)
	require.NotNil(t, j)
	assert.Equal(t, "ftp://u:p@host:21/in/", j.RecipientURL())
	assert.Equal(t, opts, j.Options())
	assert.Equal(t, byte(5), j.Priority)
}

func TestJobIDDependsOnContent(t *testing.T) {
	a := HashJob(10, 20, 30, "ftp://host/in/", []string{"lock DOT"})
	b := HashJob(10, 20, 30, "ftp://host/in/", []string{"lock OFF"})
	c := HashJob(10, 20, 31, "ftp://host/in/", []string{"lock DOT"})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, HashJob(10, 20, 30, "ftp://host/in/", []string{"lock DOT"}))
}

func TestJobSurvivesReattach(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	db, err := Create(path)
	require.NoError(t, err)
	id, err := db.Add(1, 2, 3, 4, "ftp://host/", 0, nil)
	require.NoError(t, err)
	require.NoError(t, db.Detach())

	db2, err := Attach(path, region.ReadOnly)
	require.NoError(t, err)
	defer db2.Detach()

	j := db2.Lookup(id)
	require.NotNil(t, j)
	assert.Equal(t, "ftp://host/", j.RecipientURL())
}

func TestDNB(t *testing.T) {
	path := filepath.Join(t.TempDir(), DNBFileName)

	dnb, err := CreateDNB(path)
	require.NoError(t, err)
	defer dnb.Detach()

	id, err := dnb.Add("/data/in", "ftp://remote/in")
	require.NoError(t, err)
	again, err := dnb.Add("/data/in", "ftp://remote/in")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	rec := dnb.Lookup(id)
	require.NotNil(t, rec)
	assert.Equal(t, "/data/in", rec.Path())
	assert.Equal(t, "ftp://remote/in", rec.OrigName())
}

func TestFMDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FMDFileName)

	fmd, err := LoadFMD(path)
	require.NoError(t, err)

	id1, err := fmd.Add([]string{"*.txt", "!*.tmp"}, 0)
	require.NoError(t, err)
	id2, err := fmd.Add([]string{"data???.bin"}, 1)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	// Reload from disk and verify both sets.
	fmd2, err := LoadFMD(path)
	require.NoError(t, err)
	assert.Equal(t, 2, fmd2.Len())

	s1 := fmd2.Lookup(id1)
	require.NotNil(t, s1)
	assert.Equal(t, []string{"*.txt", "!*.tmp"}, s1.Masks)

	s2 := fmd2.Lookup(id2)
	require.NotNil(t, s2)
	assert.Equal(t, uint32(1), s2.Flags)
}

func TestMatchMasks(t *testing.T) {
	cases := []struct {
		masks []string
		name  string
		want  bool
	}{
		{[]string{"*"}, "anything", true},
		{[]string{"*.txt"}, "hello.txt", true},
		{[]string{"*.txt"}, "hello.dat", false},
		{[]string{"!*.tmp", "*"}, "work.tmp", false},
		{[]string{"!*.tmp", "*"}, "work.dat", true},
		{[]string{"data??.bin"}, "data01.bin", true},
		{[]string{"data??.bin"}, "data001.bin", false},
		{[]string{}, "file", false},
		{[]string{"[invalid"}, "file", false},
	}
	for _, tc := range cases {
		if got := MatchMasks(tc.masks, tc.name); got != tc.want {
			t.Errorf("MatchMasks(%v, %q) = %v, want %v", tc.masks, tc.name, got, tc.want)
		}
	}
}
