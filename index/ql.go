package index

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/cznic/ql/driver"
)

// QL keeps the index in the embedded QL database.
type QL struct {
	db *sql.DB
}

var _ DB = &QL{}

const qlInit = `
	CREATE TABLE IF NOT EXISTS bundles (
		bundle_id string,
		tracked bool,
		label string,
		version int64,
		modified time
	);
	CREATE UNIQUE INDEX IF NOT EXISTS bundlesid ON bundles (bundle_id);
	CREATE TABLE IF NOT EXISTS verifications (
		bundle_id string,
		version int64,
		checked time,
		status string,
		notes string
	);
	CREATE INDEX IF NOT EXISTS verificationsid ON verifications (bundle_id);
`

// memory databases with the same name share their contents
var memdbs int64

// NewQL opens the QL database in filename, creating it if needed. The
// filename "memory" keeps everything in memory.
func NewQL(filename string) (*QL, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		name := fmt.Sprintf("mem%d.db", atomic.AddInt64(&memdbs, 1))
		db, err = sql.Open("ql-mem", name)
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &QL{db: db}, nil
}

func (q *QL) Close() error {
	return q.db.Close()
}

func (q *QL) Track(bundleID, label string) error {
	const update = `UPDATE bundles SET tracked = true, label = ?2, modified = ?3 WHERE bundle_id == ?1`
	const insert = `INSERT INTO bundles VALUES (?1, true, ?2, ?3, ?4)`
	now := time.Now()
	return q.upsert(update, []interface{}{bundleID, label, now},
		insert, []interface{}{bundleID, label, int64(NoVersion), now})
}

func (q *QL) Untrack(bundleID string) error {
	const update = `UPDATE bundles SET tracked = false, label = "", modified = ?2 WHERE bundle_id == ?1`
	_, err := performExec(q.db, update, bundleID, time.Now())
	return err
}

func (q *QL) SetCurrent(bundleID string, version int64) error {
	const update = `UPDATE bundles SET version = ?2, modified = ?3 WHERE bundle_id == ?1`
	const insert = `INSERT INTO bundles VALUES (?1, false, "", ?2, ?3)`
	now := time.Now()
	return q.upsert(update, []interface{}{bundleID, version, now},
		insert, []interface{}{bundleID, version, now})
}

// upsert runs update and, if no row changed, insert.
func (q *QL) upsert(update string, uargs []interface{}, insert string, iargs []interface{}) error {
	result, err := performExec(q.db, update, uargs...)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = performExec(q.db, insert, iargs...)
	}
	return err
}

func (q *QL) Lookup(bundleID string) (Record, error) {
	const query = `SELECT bundle_id, tracked, label, version, modified FROM bundles WHERE bundle_id == ?1 LIMIT 1`
	var r Record
	err := q.db.QueryRow(query, bundleID).Scan(&r.BundleID, &r.Tracked, &r.Label, &r.Version, &r.Modified)
	if err == sql.ErrNoRows {
		err = ErrNotFound
	}
	return r, err
}

func (q *QL) Bundles() ([]Record, error) {
	const query = `SELECT bundle_id, tracked, label, version, modified FROM bundles ORDER BY bundle_id`
	rows, err := q.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.BundleID, &r.Tracked, &r.Label, &r.Version, &r.Modified); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (q *QL) RecordVerify(v Verification) error {
	const insert = `INSERT INTO verifications VALUES (?1, ?2, ?3, ?4, ?5)`
	_, err := performExec(q.db, insert, v.BundleID, v.Version, v.Checked, v.Status, v.Notes)
	return err
}

func (q *QL) LastVerify(bundleID string) (Verification, error) {
	const query = `
		SELECT bundle_id, version, checked, status, notes
		FROM verifications
		WHERE bundle_id == ?1
		ORDER BY checked DESC
		LIMIT 1`
	var v Verification
	err := q.db.QueryRow(query, bundleID).Scan(&v.BundleID, &v.Version, &v.Checked, &v.Status, &v.Notes)
	if err == sql.ErrNoRows {
		err = ErrNotFound
	}
	return v, err
}

// performExec runs a statement in its own transaction, which QL requires
// for anything that writes.
func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}
