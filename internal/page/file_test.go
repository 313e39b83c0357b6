package page

import (
	"path/filepath"
	"testing"
)

func TestAllocateWriteReadPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.pg")
	pf, err := Create(path, 256)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pf.Close()

	id, err := pf.AllocatePage()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := pf.WritePage(id, &Page{Kind: KindData, Payload: []byte("payload")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := pf.ReadPage(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Payload) != "payload" {
		t.Errorf("expected payload, got %q", got.Payload)
	}
}

func TestLastAllocatedPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.pg")
	pf, err := Create(path, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	if _, err := pf.LastAllocatedPage(); err == nil {
		t.Error("expected error before any page is allocated")
	}

	var lastID ID
	for i := 0; i < 3; i++ {
		id, err := pf.AllocatePage()
		if err != nil {
			t.Fatal(err)
		}
		lastID = id
	}

	got, err := pf.LastAllocatedPage()
	if err != nil {
		t.Fatal(err)
	}
	if got != lastID {
		t.Errorf("expected last allocated page %d, got %d", lastID, got)
	}
}

func TestReopenRecoversPageSizeAndAllocator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.pg")
	pf, err := Create(path, 256)
	if err != nil {
		t.Fatal(err)
	}
	id, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}
	if err := pf.WritePage(id, &Page{Kind: KindData, Payload: []byte("v")}); err != nil {
		t.Fatal(err)
	}
	if err := pf.Close(); err != nil {
		t.Fatal(err)
	}

	pf2, err := Open(path, 256)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer pf2.Close()

	last, err := pf2.LastAllocatedPage()
	if err != nil || last != id {
		t.Errorf("expected recovered last page id %d, got %d (err=%v)", id, last, err)
	}

	if _, err := Open(path, 512); err == nil {
		t.Error("expected page size mismatch on reopen to be rejected")
	}
}
