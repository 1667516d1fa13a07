// Package testdb opens isolated in-memory SQLite databases for package tests.
package testdb

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var sequence atomic.Int64

// Open returns a fresh in-memory database migrated with the provided models.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, sequence.Add(1))

	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if len(models) > 0 {
		if err := database.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate schema: %v", err)
		}
	}
	return database
}

// Interleave runs competing once, just before the first UPDATE (or INSERT, when onCreate
// is set) on table executes. competing receives a handle on the statement's own connection,
// so its writes land between the caller's read and its guarded write.
func Interleave(t testing.TB, database *gorm.DB, table string, onCreate bool, competing func(conn *gorm.DB)) {
	t.Helper()
	fired := false
	hook := func(statement *gorm.DB) {
		if fired || statement.Error != nil || statement.Statement.Table != table {
			return
		}
		fired = true
		competing(statement.Session(&gorm.Session{NewDB: true}))
	}
	name := fmt.Sprintf("testdb:interleave_%d", sequence.Add(1))
	var err error
	if onCreate {
		err = database.Callback().Create().Before("gorm:create").Register(name, hook)
	} else {
		err = database.Callback().Update().Before("gorm:update").Register(name, hook)
	}
	if err != nil {
		t.Fatalf("failed to register interleaved writer: %v", err)
	}
}

// Churn runs raise before and lower after every UPDATE on table, so each guarded update
// observes a row that differs from the one its caller read.
func Churn(t testing.TB, database *gorm.DB, table string, raise, lower func(conn *gorm.DB)) {
	t.Helper()
	wrap := func(step func(*gorm.DB)) func(*gorm.DB) {
		return func(statement *gorm.DB) {
			if statement.Error != nil || statement.Statement.Table != table {
				return
			}
			step(statement.Session(&gorm.Session{NewDB: true}))
		}
	}
	id := sequence.Add(1)
	if err := database.Callback().Update().Before("gorm:update").Register(fmt.Sprintf("testdb:churn_raise_%d", id), wrap(raise)); err != nil {
		t.Fatalf("failed to register churn: %v", err)
	}
	if err := database.Callback().Update().After("gorm:update").Register(fmt.Sprintf("testdb:churn_lower_%d", id), wrap(lower)); err != nil {
		t.Fatalf("failed to register churn: %v", err)
	}
}
