// Package storetest provides a shared in-memory database for package tests
// that exercise gorm repositories. model's structs declare Postgres-only
// column defaults (gen_random_uuid(), now()) because that's the only
// database the running engine ever talks to; those functions don't exist in
// SQLite, so this package registers them once as SQLite scalar functions
// and hands back a DB that behaves like the real thing for any row a test
// creates without setting its ID/CreatedAt/UpdatedAt explicitly.
package storetest

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var registerOnce sync.Once

const driverName = "sqlite3_enginecore_test"

func registerFunctions() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("gen_random_uuid", func() string { return uuid.New().String() }, false); err != nil {
					return err
				}
				return conn.RegisterFunc("now", func() string {
					return time.Now().UTC().Format("2006-01-02 15:04:05.999999999-07:00")
				}, false)
			},
		})
	})
}

// Open returns a fresh in-memory SQLite-backed *gorm.DB with gen_random_uuid()
// and now() available as column defaults, then runs AutoMigrate against
// models. Each call gets its own isolated database identified by the test
// name, so parallel tests never share state.
func Open(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	registerFunctions()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Dialector{DriverName: driverName, DSN: dsn}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("storetest: open sqlite: %v", err)
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("storetest: automigrate: %v", err)
		}
	}
	return db
}
