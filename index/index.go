// Package index is the repo's persistent record of which bundles it tracks,
// the version of each it has activated, and the outcome of verifications.
// There are two implementations, an embedded QL database intended for
// single hosts and development, and MySQL.
package index

import (
	"errors"
	"log"
	"time"

	"github.com/BurntSushi/migration"
)

// ErrNotFound is returned when a bundle has no record.
var ErrNotFound = errors.New("index: no record")

// NoVersion marks a bundle which has no activated version yet.
const NoVersion = -1

// Record is what the index knows about one bundle.
type Record struct {
	BundleID string
	Tracked  bool
	Label    string // distribution followed when tracked
	Version  int64  // activated version or NoVersion
	Modified time.Time
}

// Verification is the outcome of checking a bundle's local files.
type Verification struct {
	BundleID string
	Version  int64
	Checked  time.Time
	Status   string // "ok" or "error"
	Notes    string
}

// DB is the interface the repo uses.
type DB interface {
	// Track starts following a distribution label of a bundle.
	Track(bundleID, label string) error
	// Untrack stops following a bundle. Its activated version is kept.
	Untrack(bundleID string) error
	// SetCurrent records the activated version of a bundle.
	SetCurrent(bundleID string, version int64) error
	// Lookup returns the record of a bundle or ErrNotFound.
	Lookup(bundleID string) (Record, error)
	// Bundles returns every record, ordered by bundle id.
	Bundles() ([]Record, error)
	// RecordVerify saves the outcome of a verification.
	RecordVerify(v Verification) error
	// LastVerify returns the most recent verification of a bundle or
	// ErrNotFound.
	LastVerify(bundleID string) (Verification, error)
	Close() error
}

// we need to adapt the migration version functions to work with MySQL.
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}
