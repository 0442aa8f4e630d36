package index

import (
	"testing"
	"time"
)

func TestQLBundles(t *testing.T) {
	db, err := NewQL("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	defer db.Close()
	exerciseBundles(t, db)
}

func TestQLVerify(t *testing.T) {
	db, err := NewQL("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	defer db.Close()
	exerciseVerify(t, db)
}

func TestQLMemoryIsPrivate(t *testing.T) {
	a, _ := NewQL("memory")
	defer a.Close()
	b, _ := NewQL("memory")
	defer b.Close()
	a.SetCurrent("c.x", 1)
	if _, err := b.Lookup("c.x"); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
}

// exerciseBundles runs the same sequence against any DB.
func exerciseBundles(t *testing.T, db DB) {
	var table = []struct {
		command  string
		bundleID string
		label    string
		version  int64
		tracked  bool
	}{
		{"Lookup", "c.icons", "", NoVersion, false},
		{"Track", "c.icons", "master", 0, false},
		{"Check", "c.icons", "master", NoVersion, true},
		{"SetCurrent", "c.icons", "", 3, false},
		{"Check", "c.icons", "master", 3, true},
		{"SetCurrent", "c.sounds", "", 1, false},
		{"Check", "c.sounds", "", 1, false},
		{"Track", "c.sounds", "beta", 0, false},
		{"Check", "c.sounds", "beta", 1, true},
		{"Untrack", "c.icons", "", 0, false},
		{"Check", "c.icons", "", 3, false},
	}
	for _, tab := range table {
		var err error
		switch tab.command {
		case "Lookup":
			_, err = db.Lookup(tab.bundleID)
			if err != ErrNotFound {
				t.Errorf("Received %v, expected %v", err, ErrNotFound)
			}
			continue
		case "Track":
			err = db.Track(tab.bundleID, tab.label)
		case "Untrack":
			err = db.Untrack(tab.bundleID)
		case "SetCurrent":
			err = db.SetCurrent(tab.bundleID, tab.version)
		case "Check":
			var r Record
			r, err = db.Lookup(tab.bundleID)
			if err == nil && (r.Label != tab.label || r.Version != tab.version || r.Tracked != tab.tracked) {
				t.Errorf("Received %+v, expected %+v", r, tab)
			}
		}
		if err != nil {
			t.Errorf("%v: %s", tab, err)
		}
	}

	records, err := db.Bundles()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].BundleID != "c.icons" || records[1].BundleID != "c.sounds" {
		t.Errorf("Received %+v, expected c.icons and c.sounds", records)
	}
}

func exerciseVerify(t *testing.T, db DB) {
	if _, err := db.LastVerify("c.icons"); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
	now := time.Now().Truncate(time.Second)
	var table = []Verification{
		{BundleID: "c.icons", Version: 1, Checked: now.Add(-time.Hour), Status: "error", Notes: "a.png: sha mismatch"},
		{BundleID: "c.icons", Version: 2, Checked: now, Status: "ok"},
		{BundleID: "c.sounds", Version: 1, Checked: now.Add(time.Hour), Status: "ok"},
	}
	for _, v := range table {
		if err := db.RecordVerify(v); err != nil {
			t.Fatal(err)
		}
	}
	v, err := db.LastVerify("c.icons")
	if err != nil {
		t.Fatal(err)
	}
	if v.Version != 2 || v.Status != "ok" || !v.Checked.Equal(now) {
		t.Errorf("Received %+v, expected version 2 ok at %v", v, now)
	}
}
