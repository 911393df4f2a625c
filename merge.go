package caskstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"caskstore/internal/ioengine"
)

// reclaimTracker accumulates, per data file, how many bytes are dead
// (superseded by a later write, or a tombstone) so merge can pick files to
// compact without rescanning the whole store.
type reclaimTracker struct {
	mu     sync.Mutex
	byFile map[string]Delta
}

func newReclaimTracker() *reclaimTracker {
	return &reclaimTracker{byFile: make(map[string]Delta)}
}

func (t *reclaimTracker) add(file string, d Delta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.byFile[file]
	cur.Entries += d.Entries
	cur.Length += d.Length
	t.byFile[file] = cur
}

func (t *reclaimTracker) get(file string) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byFile[file]
}

func (t *reclaimTracker) clear(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byFile, file)
}

// rename carries a file's accumulated reclaim accounting across a
// rotation rename, where the file's name changes but its dead-byte count
// does not.
func (t *reclaimTracker) rename(oldName, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.byFile[oldName]; ok {
		delete(t.byFile, oldName)
		t.byFile[newName] = d
	}
}

// pendingMove is one record carried forward by a merge, tracked until the
// final exclusive-lock re-check decides whether it is still live.
type pendingMove struct {
	key      string
	oldEntry IndexEntry
	newPos   int64
	length   int64
	ts       uint32
}

// ForceMerge compacts every inactive data file, regardless of its
// reclaimable ratio. It is intended for operator-triggered maintenance or
// tests; MergeIfNeeded is the policy-driven counterpart.
func (e *Engine) ForceMerge() error {
	if e.closed.Load() {
		return ErrClosed
	}
	files, err := e.io.ListInactiveFiles()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return e.mergeFiles(files)
}

// MergeIfNeeded compacts only the inactive files whose reclaimable byte
// count exceeds dataThreshold, and only when at least two such files
// qualify: merging a single file into itself would rewrite it for no
// gain. It returns nil, doing nothing, if fewer than two files qualify.
func (e *Engine) MergeIfNeeded(dataThreshold int64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	files, err := e.io.ListInactiveFiles()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	var eligible []string
	for _, f := range files {
		if e.reclaim.get(f).Length > dataThreshold {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) <= 1 {
		return nil
	}
	return e.mergeFiles(eligible)
}

// estimateInvalidRatio reports the fraction of on-disk bytes, across the
// active file and every inactive file, that the reclaim tracker considers
// dead. The automatic merge ticker uses this -- not MergeIfNeeded's
// absolute threshold -- to decide whether a ForceMerge is worth running.
func (e *Engine) estimateInvalidRatio() (float64, error) {
	inactive, err := e.io.ListInactiveFiles()
	if err != nil {
		return 0, err
	}
	files := append([]string{ActiveFileName}, inactive...)

	var total, dead int64
	for _, f := range files {
		size, err := e.io.FileSize(f)
		if err != nil {
			continue
		}
		total += size
		dead += e.reclaim.get(f).Length
	}
	if total == 0 {
		return 0, nil
	}
	return float64(dead) / float64(total), nil
}

// mergeFiles implements the compaction algorithm: rewrite the live
// entries of the given files into the smallest-numbered among them,
// write a matching hint file, atomically install the relocated entries
// into the index (re-verifying liveness under an exclusive lock so a
// write that lands during the scan is never clobbered), then delete the
// other superseded files.
func (e *Engine) mergeFiles(files []string) error {
	if len(files) == 0 {
		return nil
	}
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	sorted := append([]string(nil), files...)
	sort.Slice(sorted, func(i, j int) bool {
		ni, _ := ioengine.ParseDataFileName(sorted[i])
		nj, _ := ioengine.ParseDataFileName(sorted[j])
		return ni < nj
	})
	target := sorted[0]
	tempName := target + "_"
	hintTempName := target + "h_"
	hintName := target + "h"

	tempFile, err := e.io.Create(tempName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	hintFile, err := e.io.Create(hintTempName)
	if err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	var pending []pendingMove
	var writeOffset int64
	var scanErr error

	for _, file := range sorted {
		_, terr := e.io.Scan(file, HeaderSize, DataPayloadLen, func(pos int64, raw []byte) bool {
			rec, derr := VerifyAndDecode(raw)
			if derr != nil {
				return false // stop scanning this file at the first bad record
			}
			key := string(e.undiskKey(rec.Key))

			current, ok := e.idx.Get(key)
			if !ok || current.File != file || current.Pos != pos {
				return true // superseded or tombstoned: drop it
			}
			if rec.IsTombstone() {
				return true
			}

			if _, werr := tempFile.Write(raw); werr != nil {
				scanErr = fmt.Errorf("%w: %v", ErrIO, werr)
				return false
			}
			hint := EncodeHint(rec.Key, current.Timestamp, uint32(len(rec.Value)), uint32(writeOffset))
			if _, werr := hintFile.Write(hint); werr != nil {
				scanErr = fmt.Errorf("%w: %v", ErrIO, werr)
				return false
			}

			pending = append(pending, pendingMove{
				key:      key,
				oldEntry: current,
				newPos:   writeOffset,
				length:   int64(len(raw)),
				ts:       current.Timestamp,
			})
			writeOffset += int64(len(raw))
			return true
		})
		if scanErr != nil {
			_ = tempFile.Close()
			_ = hintFile.Close()
			_ = e.io.Delete(tempName)
			_ = e.io.Delete(hintTempName)
			return scanErr
		}
		_ = terr // a torn tail record in a source file is tolerated, like recovery
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = hintFile.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tempFile.Close(); err != nil {
		_ = hintFile.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := hintFile.Sync(); err != nil {
		_ = hintFile.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := hintFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if len(pending) == 0 {
		// Nothing survived: drop the rewrite entirely and remove every
		// source file outright, target included.
		_ = e.io.Delete(tempName)
		_ = e.io.Delete(hintTempName)
		for _, f := range sorted {
			_ = e.io.Delete(f)
			_ = e.io.Delete(f + "h")
			e.reclaim.clear(f)
		}
		return nil
	}

	var confirmed []pendingMove
	e.idx.WithExclusiveLock(func() {
		for _, p := range pending {
			cur, ok := e.idx.GetLocked(p.key)
			if !ok || cur != p.oldEntry {
				continue // a newer write raced the merge; leave it alone
			}
			confirmed = append(confirmed, p)
		}

		if err := e.io.Rename(tempName, target); err != nil {
			scanErr = err
			return
		}
		if err := e.io.Rename(hintTempName, hintName); err != nil {
			scanErr = err
			return
		}

		for _, p := range confirmed {
			e.idx.PutLocked(p.key, IndexEntry{File: target, Pos: p.newPos, Length: p.length, Timestamp: p.ts})
		}
	})
	if scanErr != nil {
		return fmt.Errorf("%w: %v", ErrIO, scanErr)
	}

	for _, f := range sorted {
		if f == target {
			continue
		}
		_ = e.io.Delete(f)
		_ = e.io.Delete(f + "h")
		e.reclaim.clear(f)
	}
	e.reclaim.clear(target)

	return nil
}

func (e *Engine) startAutoMerge(interval time.Duration) {
	e.autoMergeStop = make(chan struct{})
	e.autoMergeWG.Add(1)
	go func() {
		defer e.autoMergeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ratio, err := e.estimateInvalidRatio()
				if err != nil {
					e.logger.Printf("auto-merge: estimate invalid ratio: %v", err)
					continue
				}
				if ratio <= e.opts.MinMergeRatio {
					continue
				}
				if err := e.ForceMerge(); err != nil {
					e.logger.Printf("auto-merge: %v", err)
				}
			case <-e.autoMergeStop:
				return
			}
		}
	}()
}

func (e *Engine) stopAutoMerge() {
	if e.autoMergeStop == nil {
		return
	}
	close(e.autoMergeStop)
	e.autoMergeWG.Wait()
}
