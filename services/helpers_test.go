package services

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"preprint-harvester/storage"
)

var testDBSeq int64

// newTestDB öffnet eine private In-Memory-Datenbank mit vollem Schema.
// cache=shared hält die Datenbank über alle Verbindungen des gorm-Pools am
// Leben; der laufende Zähler isoliert die Tests voneinander.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.InitSchema(db))
	return db
}
