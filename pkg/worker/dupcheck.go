package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// castagnoli uses the CRC-32C polynomial, which hash/crc32 computes
// with the SSE4.2/ARMv8 instruction when the CPU has it.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileCRC computes the duplicate-check checksum over a file's content.
func FileCRC(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.New(castagnoli)
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("worker: crc %s: %w", path, err)
	}
	return h.Sum32(), nil
}

// DupStore is the persisted CRC table used for duplicate checking.
// Entries carry the per-job TTL, so expiry is handled by the store
// itself.
type DupStore struct {
	db *badger.DB
}

// OpenDupStore opens (or creates) the CRC store below dir.
func OpenDupStore(dir string) (*DupStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("worker: open dup store %s: %w", dir, err)
	}
	return &DupStore{db: db}, nil
}

// Close releases the store.
func (d *DupStore) Close() error { return d.db.Close() }

func dupKey(jobID, crc uint32) []byte {
	var k [8]byte
	binary.BigEndian.PutUint32(k[0:], jobID)
	binary.BigEndian.PutUint32(k[4:], crc)
	return k[:]
}

// Check tests whether the (job, crc) pair was seen within ttl and
// records it when it was not. Returns true on a duplicate hit.
func (d *DupStore) Check(jobID, crc uint32, ttl time.Duration) (bool, error) {
	dup := false
	err := d.db.Update(func(txn *badger.Txn) error {
		key := dupKey(jobID, crc)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			dup = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			e := badger.NewEntry(key, []byte{1})
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			return txn.SetEntry(e)
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("worker: dup check: %w", err)
	}
	return dup, nil
}

// Forget rolls the (job, crc) entry back, used when a transfer the
// entry was recorded for failed validation.
func (d *DupStore) Forget(jobID, crc uint32) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dupKey(jobID, crc))
	})
}
