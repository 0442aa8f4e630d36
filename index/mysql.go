package index

import (
	"database/sql"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// MySQL keeps the index in a MySQL database.
type MySQL struct {
	db *sql.DB
}

var _ DB = &MySQL{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMySQL connects to a MySQL database, bringing its schema up to date.
func NewMySQL(dial string) (*MySQL, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &MySQL{db: db}, nil
}

func (ms *MySQL) Close() error {
	return ms.db.Close()
}

func (ms *MySQL) Track(bundleID, label string) error {
	const stmt = `INSERT INTO bundles (bundle_id, tracked, label, version, modified)
		VALUES (?, true, ?, ?, ?)
		ON DUPLICATE KEY UPDATE tracked = true, label = ?, modified = ?`
	now := time.Now()
	_, err := ms.db.Exec(stmt, bundleID, label, NoVersion, now, label, now)
	return err
}

func (ms *MySQL) Untrack(bundleID string) error {
	const stmt = `UPDATE bundles SET tracked = false, label = "", modified = ? WHERE bundle_id = ?`
	_, err := ms.db.Exec(stmt, time.Now(), bundleID)
	return err
}

func (ms *MySQL) SetCurrent(bundleID string, version int64) error {
	const stmt = `INSERT INTO bundles (bundle_id, tracked, label, version, modified)
		VALUES (?, false, "", ?, ?)
		ON DUPLICATE KEY UPDATE version = ?, modified = ?`
	now := time.Now()
	_, err := ms.db.Exec(stmt, bundleID, version, now, version, now)
	return err
}

func (ms *MySQL) Lookup(bundleID string) (Record, error) {
	const query = `SELECT bundle_id, tracked, label, version, modified FROM bundles WHERE bundle_id = ? LIMIT 1`
	return scanRecord(ms.db.QueryRow(query, bundleID))
}

func (ms *MySQL) Bundles() ([]Record, error) {
	const query = `SELECT bundle_id, tracked, label, version, modified FROM bundles ORDER BY bundle_id`
	rows, err := ms.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var modified mysql.NullTime
	err := row.Scan(&r.BundleID, &r.Tracked, &r.Label, &r.Version, &modified)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if modified.Valid {
		r.Modified = modified.Time
	}
	return r, err
}

func (ms *MySQL) RecordVerify(v Verification) error {
	const stmt = `INSERT INTO verifications (bundle_id, version, checked, status, notes) VALUES (?,?,?,?,?)`
	_, err := ms.db.Exec(stmt, v.BundleID, v.Version, v.Checked, v.Status, v.Notes)
	return err
}

func (ms *MySQL) LastVerify(bundleID string) (Verification, error) {
	const query = `
		SELECT bundle_id, version, checked, status, notes
		FROM verifications
		WHERE bundle_id = ?
		ORDER BY checked DESC
		LIMIT 1`
	var v Verification
	var checked mysql.NullTime
	err := ms.db.QueryRow(query, bundleID).Scan(&v.BundleID, &v.Version, &checked, &v.Status, &v.Notes)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if checked.Valid {
		v.Checked = checked.Time
	}
	return v, err
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS bundles (
		id int PRIMARY KEY AUTO_INCREMENT,
		bundle_id varchar(255),
		tracked bool,
		label varchar(255),
		version bigint,
		modified datetime,
		UNIQUE INDEX bundles_bundle_id (bundle_id))`,

		`CREATE TABLE IF NOT EXISTS verifications (
		id int PRIMARY KEY AUTO_INCREMENT,
		bundle_id varchar(255),
		version bigint,
		checked datetime,
		status varchar(32),
		notes text)`,
	}
	return execlist(tx, s)
}

func mysqlschema2(tx migration.LimitedTx) error {
	var s = []string{
		`ALTER TABLE verifications ADD INDEX verifications_bundle_id (bundle_id, checked)`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
