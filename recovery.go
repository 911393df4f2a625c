package caskstore

import "fmt"

// recover rebuilds the in-memory index and reclaim accounting from
// whatever is on disk. Inactive files are visited in ascending numeric
// order and the active file "0", which holds the most recent writes, is
// visited last; within a file records are visited in ascending position
// order, so installEntry's unconditional overwrite implements
// last-write-wins.
//
// For each file, a matching hint file is preferred when present and
// well-formed; otherwise the data file itself is fully scanned. Either
// way, a torn trailing record -- the signature of a crash mid-append -- is
// tolerated: the scan simply stops at the first record that fails to
// decode, rather than failing recovery for the whole store.
func (e *Engine) recover() error {
	inactive, err := e.io.ListInactiveFiles()
	if err != nil {
		return err
	}
	files := append(inactive, ActiveFileName)

	for _, file := range files {
		hintName := file + "h"
		if e.io.Exists(hintName) {
			if err := e.recoverFromHint(file, hintName); err == nil {
				continue
			}
			// Hint unusable (truncated/corrupt): fall back to a full scan
			// of the data file itself rather than losing its entries.
		}
		if err := e.recoverFromScan(file); err != nil {
			return fmt.Errorf("recover %s: %w", file, err)
		}
	}
	return nil
}

func (e *Engine) recoverFromHint(file, hintName string) error {
	truncated, err := e.io.Scan(hintName, HintHeaderSize, HintPayloadLen, func(pos int64, raw []byte) bool {
		hr, _, derr := DecodeHint(raw)
		if derr != nil {
			return false
		}
		key := string(e.undiskKey(hr.Key))
		entry := IndexEntry{
			File:      file,
			Pos:       int64(hr.Pos),
			Length:    int64(HeaderSize) + int64(hr.KeySize) + int64(hr.ValueSize),
			Timestamp: hr.Timestamp,
		}
		e.installEntry(key, entry, false)
		return true
	})
	if err != nil {
		return err
	}
	if truncated {
		return fmt.Errorf("caskstore: hint file %s truncated", hintName)
	}
	return nil
}

func (e *Engine) recoverFromScan(file string) error {
	_, err := e.io.Scan(file, HeaderSize, DataPayloadLen, func(pos int64, raw []byte) bool {
		// Decode structurally only: ioengine.Scan already read exactly
		// HeaderSize+keySize+valueSize bytes here (it needed the header's
		// declared sizes to know how much to read), so a failure at this
		// point means the header itself didn't parse -- a genuinely torn
		// trailing record -- and scanning this file stops. A CRC mismatch
		// is a different failure mode entirely: the record is complete,
		// just corrupt, so it is still installed. The corruption surfaces
		// later, from VerifyAndDecode, the first time something calls Get.
		rec, derr := DecodeUnverified(raw)
		if derr != nil {
			return false
		}
		key := string(e.undiskKey(rec.Key))
		entry := IndexEntry{File: file, Pos: pos, Length: int64(len(raw)), Timestamp: rec.Timestamp}
		e.installEntry(key, entry, rec.IsTombstone())
		return true
	})
	return err
}

// installEntry applies one recovered record to the index and reclaim
// accounting, unconditionally overwriting whatever was there before: the
// caller visits inactive files in ascending order, then "0", each in
// ascending position order, so the last call for a given key always wins,
// matching how Put/Delete behave live.
func (e *Engine) installEntry(key string, entry IndexEntry, tombstone bool) {
	if old, ok := e.idx.Get(key); ok {
		e.reclaim.add(old.File, Delta{Entries: 1, Length: old.Length})
	}
	if tombstone {
		e.reclaim.add(entry.File, Delta{Entries: 1, Length: entry.Length})
		e.idx.Delete(key)
		return
	}
	e.idx.Put(key, entry)
	if e.flt != nil {
		e.flt.Add([]byte(key))
	}
}
