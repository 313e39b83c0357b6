package lsm

import (
	"os"
	"sync/atomic"

	"github.com/solidkv/lsmdb/internal/manifest"
	"github.com/solidkv/lsmdb/internal/sstable"
)

// compact merges the oldest CompactionTrigger SSTables into one, dropping
// tombstones (safe because the oldest tables are merged first, so no
// older version of a deleted key survives elsewhere) and any key they
// fully shadow. Off by default.
func (db *DB) compact() {
	db.mu.Lock()
	trigger := db.opts.CompactionTrigger
	if trigger <= 0 || len(db.tables) < trigger {
		db.mu.Unlock()
		return
	}
	// Oldest N tables sit at the tail of the newest-first slice.
	start := len(db.tables) - trigger
	victims := make([]*sstable.Table, trigger)
	copy(victims, db.tables[start:])
	db.mu.Unlock()

	sources := make([]sstable.Source, 0, len(victims))
	for _, t := range victims {
		it, err := t.NewIterator()
		if err != nil {
			return
		}
		sources = append(sources, it)
	}
	// victims keeps db.tables' newest-to-oldest order, which is the
	// source priority order the merge iterator expects.
	// ScanLive already yields the newest live version per key and drops
	// tombstones, which is exactly what a compaction output wants: the
	// victim set is the oldest tables, so no older version of any key
	// they hold survives anywhere else.
	merged := sstable.NewMergeIterator(sources, sstable.ScanLive)

	id := atomic.AddUint64(&db.nextSSTableID, 1) - 1
	outPath := db.sstablePath(id)
	w, err := sstable.Create(outPath, db.pageSize, 0)
	if err != nil {
		return
	}
	wrote := false
	for merged.Valid() {
		if err := w.Add(merged.Entry()); err != nil {
			os.Remove(outPath)
			return
		}
		wrote = true
		merged.Next()
	}
	if !wrote {
		// Nothing survived the merge (every key in the victim set was
		// tombstoned); drop the empty output and just retire the victims.
		os.Remove(outPath)
	} else if err := w.Finish(); err != nil {
		os.Remove(outPath)
		return
	}

	var newTable *sstable.Table
	if wrote {
		newTable, err = sstable.Open(outPath, db.pageSize, db.pool)
		if err != nil {
			return
		}
	}

	db.mu.Lock()
	kept := make([]*sstable.Table, 0, len(db.tables)-trigger+1)
	victimSet := make(map[*sstable.Table]bool, len(victims))
	for _, v := range victims {
		victimSet[v] = true
	}
	for _, t := range db.tables {
		if !victimSet[t] {
			kept = append(kept, t)
		}
	}
	if newTable != nil {
		// The merged table holds the oldest data, so it goes at the tail
		// of the newest-first slice.
		kept = append(kept, newTable)
	}
	db.tables = kept

	ids := make([]uint64, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		tid, _ := parseSSTableID(kept[i].Path())
		ids = append(ids, tid)
	}
	nextSeq := db.nextSeq
	man := &manifest.Manifest{PageSize: db.pageSize, NextSeq: nextSeq, SSTableIDs: ids}
	db.mu.Unlock()

	if err := man.Save(db.dataDir); err != nil {
		return
	}

	for _, v := range victims {
		path := v.Path()
		v.Close()
		db.pool.Evict(path)
		os.Remove(path)
	}

	db.metrics.CompactionTotal.Inc()
	db.metrics.LiveSSTables.Set(float64(len(ids)))
}
