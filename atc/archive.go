package atc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultArchivePrefix = "atc_"

// OpenDB opens (and migrates) an archive database.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&NotificationRecord{}, &CycleRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenQueryDB opens an existing archive for reading without touching its schema.
func OpenQueryDB(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
}

// Archive writes audit records to a monthly rolling SQLite file
// <folder>/<prefix>YYYYMM.db, switching files when the month changes.
type Archive struct {
	folder string
	prefix string
	now    func() time.Time

	db  *gorm.DB
	key string
}

func OpenArchive(folder, prefix string) (*Archive, error) {
	if strings.TrimSpace(folder) == "" {
		return nil, fmt.Errorf("archive folder is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultArchivePrefix
	}
	a := &Archive{folder: folder, prefix: prefix, now: time.Now}
	if err := a.ensureDBForNow(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureDBForNow() error {
	now := a.now()
	key := fmt.Sprintf("%04d%02d", now.Year(), int(now.Month()))
	if a.db != nil && a.key == key {
		return nil
	}
	_ = a.Close()
	if err := os.MkdirAll(a.folder, 0o755); err != nil {
		return err
	}
	db, err := OpenDB(filepath.Join(a.folder, a.prefix+key+".db"))
	if err != nil {
		return err
	}
	a.db = db
	a.key = key
	return nil
}

func (a *Archive) RecordNotification(rec NotificationRecord) error {
	if err := a.ensureDBForNow(); err != nil {
		return err
	}
	return a.db.Create(&rec).Error
}

func (a *Archive) RecordCycle(rec CycleRecord) error {
	if err := a.ensureDBForNow(); err != nil {
		return err
	}
	return a.db.Create(&rec).Error
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	a.db = nil
	a.key = ""
	return err
}

// listMonthlyDBs returns archive files whose month lies in [from, to], sorted.
func listMonthlyDBs(folder, prefix string, from, to time.Time) ([]string, error) {
	candidates, err := filepath.Glob(filepath.Join(folder, prefix+"*.db"))
	if err != nil {
		return nil, err
	}
	fromKey := from.Year()*100 + int(from.Month())
	toKey := to.Year()*100 + int(to.Month())

	filtered := make([]string, 0, len(candidates))
	for _, p := range candidates {
		yyyymm := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), prefix), ".db")
		if len(yyyymm) != 6 {
			continue
		}
		tm, err := time.Parse("200601", yyyymm)
		if err != nil {
			continue
		}
		key := tm.Year()*100 + int(tm.Month())
		if key < fromKey || key > toKey {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Strings(filtered)
	return filtered, nil
}

// HistoryQuery selects archived notifications.
type HistoryQuery struct {
	Since      time.Time
	Until      time.Time
	Channel    string
	DeliveryID string
	Limit      int
}

// ListNotifications reads notification records across monthly archives, newest first.
func ListNotifications(folder, prefix string, q HistoryQuery) ([]NotificationRecord, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultArchivePrefix
	}
	if q.Until.IsZero() {
		q.Until = time.Now()
	}
	paths, err := listMonthlyDBs(folder, prefix, q.Since, q.Until)
	if err != nil {
		return nil, err
	}
	var out []NotificationRecord
	for _, p := range paths {
		recs, err := queryNotifications(p, q)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NotifiedAt.After(out[j].NotifiedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func queryNotifications(path string, q HistoryQuery) ([]NotificationRecord, error) {
	db, err := OpenQueryDB(path)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	tx := db.Model(&NotificationRecord{}).Where("notified_at >= ? AND notified_at <= ?", q.Since.UTC(), q.Until.UTC())
	if q.Channel != "" {
		tx = tx.Where("channel = ?", q.Channel)
	}
	if q.DeliveryID != "" {
		tx = tx.Where("delivery_id = ?", q.DeliveryID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var recs []NotificationRecord
	if err := tx.Order("notified_at desc").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
