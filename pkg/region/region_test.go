package region

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRec struct {
	A int64
	B int32
	C int32
}

const testRecSize = 16

func TestCreateAndAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 3, testRecSize, 4)
	require.NoError(t, err)

	recs := View[testRec](r)
	require.Len(t, recs, 4)
	recs[2].A = 42
	recs[2].B = 7

	require.NoError(t, r.Detach())

	// Re-attach and verify the data survived the round trip.
	r2, err := Attach(path, 3, testRecSize, ReadWrite)
	require.NoError(t, err)
	defer r2.Detach()

	assert.Equal(t, 4, r2.Count())
	assert.Equal(t, byte(3), r2.Version())

	recs2 := View[testRec](r2)
	assert.Equal(t, int64(42), recs2[2].A)
	assert.Equal(t, int32(7), recs2[2].B)
}

func TestAttachVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 1, testRecSize, 1)
	require.NoError(t, err)
	require.NoError(t, r.Detach())

	_, err = Attach(path, 2, testRecSize, ReadOnly)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestAttachNotPresent(t *testing.T) {
	_, err := Attach(filepath.Join(t.TempDir(), "MISSING"), 1, testRecSize, ReadOnly)
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestAttachTruncatedBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 1, testRecSize, 4)
	require.NoError(t, err)
	require.NoError(t, r.Detach())

	// Chop the body so the header count no longer fits.
	require.NoError(t, os.Truncate(path, WordOffset+testRecSize))

	_, err = Attach(path, 1, testRecSize, ReadOnly)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestHeaderFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 1, testRecSize, 1)
	require.NoError(t, err)
	defer r.Detach()

	r.SetShutdownByte(9)
	r.SetFeatureFlags(0x05)
	r.SetHostname("ducktown")

	assert.Equal(t, byte(9), r.ShutdownByte())
	assert.Equal(t, byte(0x05), r.FeatureFlags())
	assert.Equal(t, "ducktown", r.Hostname())

	// A shorter hostname must not leave stale bytes behind.
	r.SetHostname("elk")
	assert.Equal(t, "elk", r.Hostname())
}

func TestGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 1, testRecSize, 2)
	require.NoError(t, err)
	defer r.Detach()

	recs := View[testRec](r)
	recs[1].A = 11

	require.NoError(t, r.Grow(8))
	assert.Equal(t, 8, r.Count())

	recs = View[testRec](r)
	require.Len(t, recs, 8)
	assert.Equal(t, int64(11), recs[1].A)
}

func TestWithLockReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEST_REGION")

	r, err := Create(path, 1, testRecSize, 1)
	require.NoError(t, err)
	defer r.Detach()

	sentinel := errors.New("boom")
	err = r.WithLock(8, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	// Lock must be free again.
	require.NoError(t, r.LockRange(8))
	require.NoError(t, r.UnlockRange(8))
}

func TestCStrRoundTrip(t *testing.T) {
	b := make([]byte, 8)
	SetCStr(b, "abc")
	assert.Equal(t, "abc", CStr(b))

	SetCStr(b, "toolongvalue")
	assert.Equal(t, "toolong", CStr(b))
}
