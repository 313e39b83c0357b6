package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/solidkv/lsmdb/internal/lsm"
	"github.com/solidkv/lsmdb/internal/manifest"
)

func main() {
	tmpDir := filepath.Join(os.TempDir(), "siltkv-compaction-demo")
	defer os.RemoveAll(tmpDir)

	fmt.Println("=== SiltKV Compaction Test ===")
	fmt.Printf("Data directory: %s\n\n", tmpDir)

	fmt.Println("1. Opening DB with compaction enabled after 4 SSTables...")
	// 8 KiB pages so each ~5 KB entry fits in one data block.
	db, err := lsm.Open(lsm.Options{DataDir: tmpDir, PageSize: 8192, CompactionTrigger: 4})
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	fmt.Println("2. Writing data in batches to trigger multiple flushes...")
	keyCounter := 0
	for batch := 0; batch < 6; batch++ {
		fmt.Printf("  Batch %d: writing keys...\n", batch+1)
		for i := 0; i < 800; i++ {
			key := fmt.Sprintf("key-%05d", keyCounter)
			value := make([]byte, 5000)
			for j := range value {
				value[j] = byte(keyCounter + j)
			}
			if err := db.Put([]byte(key), value); err != nil {
				log.Fatalf("failed to put %s: %v", key, err)
			}
			keyCounter++
		}
	}
	fmt.Printf("  Total written: %d keys\n", keyCounter)

	fmt.Println("\n3. Flushing and letting background compaction settle...")
	if err := db.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	fmt.Println("\n4. Checking SSTable files...")
	sstFiles, err := filepath.Glob(filepath.Join(tmpDir, "sst-*.dat"))
	if err != nil {
		log.Fatalf("failed to list sstable files: %v", err)
	}
	totalSize := int64(0)
	for _, f := range sstFiles {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		totalSize += info.Size()
		fmt.Printf("    %s (%d bytes)\n", filepath.Base(f), info.Size())
	}
	fmt.Printf("  Found %d SSTable file(s), total %.2f MB\n", len(sstFiles), float64(totalSize)/(1<<20))

	fmt.Println("\n5. Verifying data integrity...")
	testKeys := []int{0, 100, 500, 1000, 2000, 3000, 4000, 4700, 4799}
	verified, failed := 0, 0
	for _, keyNum := range testKeys {
		if keyNum >= keyCounter {
			continue
		}
		key := fmt.Sprintf("key-%05d", keyNum)
		expected := make([]byte, 5000)
		for j := range expected {
			expected[j] = byte(keyNum + j)
		}
		val, found, err := db.Get([]byte(key))
		if err != nil || !found || len(val) != len(expected) {
			log.Printf("  FAIL %s", key)
			failed++
			continue
		}
		mismatch := false
		for j := range val {
			if val[j] != expected[j] {
				mismatch = true
				break
			}
		}
		if mismatch {
			log.Printf("  FAIL %s: value mismatch", key)
			failed++
			continue
		}
		verified++
		fmt.Printf("  OK %s\n", key)
	}
	fmt.Printf("\n6. Verification: %d passed, %d failed\n", verified, failed)

	fmt.Println("\n7. Checking manifest...")
	man, ok, err := manifest.Load(tmpDir)
	if err != nil || !ok {
		log.Fatalf("manifest missing or unreadable: %v", err)
	}
	fmt.Printf("  Manifest lists %d live SSTable id(s), next_seq=%d\n", len(man.SSTableIDs), man.NextSeq)

	if len(man.SSTableIDs) <= len(sstFiles) {
		fmt.Println("  OK compaction kept the manifest's live set consistent with disk")
	}

	fmt.Println("\n=== Compaction test completed! ===")
}
