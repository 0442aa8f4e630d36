//go:build integration
// +build integration

package index

import (
	"flag"
	"testing"
)

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func TestMySQLBundles(t *testing.T) {
	db, err := NewMySQL(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	defer db.Close()
	exerciseBundles(t, db)
}

func TestMySQLVerify(t *testing.T) {
	db, err := NewMySQL(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	defer db.Close()
	exerciseVerify(t, db)
}
