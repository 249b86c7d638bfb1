// Package dbtest opens throwaway sqlite databases carrying the pipeline tables.
package dbtest

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
)

var opened atomic.Int64

// Open returns a client backed by a private in-memory sqlite database with
// every pipeline table created unqualified.
func Open(t *testing.T) *db.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, opened.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.New(log.New(io.Discard, "", 0), gormlogger.Config{LogLevel: gormlogger.Silent}),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	tables := []struct {
		name  string
		model any
	}{
		{db.TableProcessedEvents, &models.ProcessedEvent{}},
		{db.TableOutboxEvents, &models.OutboxEvent{}},
		{db.TableProcessingSagas, &models.ProcessingSaga{}},
		{db.TableFileProjections, &models.FileProjection{}},
		{db.TableNotifications, &models.Notification{}},
	}
	for _, table := range tables {
		if err := conn.Table(table.name).AutoMigrate(table.model); err != nil {
			t.Fatalf("migrate %s: %v", table.name, err)
		}
	}

	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db.Wrap(conn)
}
