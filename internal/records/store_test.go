package records

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndListDefects(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, label := range []string{"crack", "scratch", "bubble"} {
		rec := &DefectRecord{
			DeviceID:   "cam-1",
			DefectType: label,
			Confidence: 0.9,
			BBox:       "1,2,3,4",
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
			ImageURL:   "https://store/" + label + ".jpg",
			ImagePath:  "defects/" + label + "/x.jpg",
		}
		if err := db.SaveDefect(ctx, rec); err != nil {
			t.Fatalf("SaveDefect: %v", err)
		}
		if rec.ID == "" || rec.Status != "pending" {
			t.Fatalf("defaults not filled: %+v", rec)
		}
	}

	recent, err := db.RecentDefects(ctx, 2)
	if err != nil {
		t.Fatalf("RecentDefects: %v", err)
	}
	if len(recent) != 2 || recent[0].DefectType != "bubble" || recent[1].DefectType != "scratch" {
		t.Fatalf("recent = %+v", recent)
	}

	got, err := db.GetDefect(ctx, recent[0].ID)
	if err != nil || got == nil {
		t.Fatalf("GetDefect: %v, %v", got, err)
	}
	if got.ImagePath != "defects/bubble/x.jpg" || !got.DetectedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("got = %+v", got)
	}

	missing, err := db.GetDefect(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing defect = %v, %v", missing, err)
	}
}

func TestDeviceStatusUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SetDeviceStatus(ctx, "cam-1", true); err != nil {
		t.Fatal(err)
	}
	st, err := db.GetDeviceStatus(ctx, "cam-1")
	if err != nil || st == nil || !st.IsOnline {
		t.Fatalf("status = %+v, %v", st, err)
	}
	first := st.LastSeen

	time.Sleep(10 * time.Millisecond)
	if err := db.SetDeviceStatus(ctx, "cam-1", false); err != nil {
		t.Fatal(err)
	}
	st, _ = db.GetDeviceStatus(ctx, "cam-1")
	if st.IsOnline {
		t.Fatal("device should be offline")
	}
	if !st.LastSeen.After(first) {
		t.Fatalf("last_seen not advanced: %v -> %v", first, st.LastSeen)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{driver: "pgx"}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind = %q", got)
	}
	s.driver = "sqlite"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	db, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := &DefectRecord{DeviceID: "cam-1", DefectType: "crack", DetectedAt: time.Now()}
	if err := db.SaveDefect(ctx, rec); err != nil {
		t.Fatalf("SaveDefect: %v", err)
	}
	db.Close()

	db, err = Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := db.GetDefect(ctx, rec.ID)
	if err != nil || got == nil || got.DefectType != "crack" {
		t.Fatalf("GetDefect = %+v, %v", got, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}
