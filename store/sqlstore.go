package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// SQLStore is the relational variant of the entry store. The whole
// collection is still read and replaced as one unit; the compare-and-swap
// token is a counter in sales_entry_versions.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Read(ctx context.Context) ([]models.Entry, Version, error) {
	var records []models.EntryRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&records).Error; err != nil {
		return nil, "", err
	}

	var ver models.StoreVersion
	if err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&ver).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", err
		}
		ver.Version = 0
	}

	entries := make([]models.Entry, 0, len(records))
	for i := range records {
		e, err := records[i].ToEntry()
		if err != nil {
			return nil, "", fmt.Errorf("decode entry %s: %w", records[i].ID, err)
		}
		entries = append(entries, e)
	}
	return entries, versionFromCounter(ver.Version), nil
}

func (s *SQLStore) Write(ctx context.Context, entries []models.Entry, expected Version) (Version, error) {
	expectedCounter, err := counterFromVersion(expected)
	if err != nil {
		return "", err
	}

	next := expectedCounter + 1
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ver models.StoreVersion
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", 1).Take(&ver).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ver = models.StoreVersion{ID: 1, Version: 0}
			if err := tx.Create(&ver).Error; err != nil {
				// Two first writers can race the version row into being.
				if isDuplicateKeyErr(err) {
					return ErrVersionConflict
				}
				return err
			}
		} else if err != nil {
			return err
		}
		if ver.Version != expectedCounter {
			return ErrVersionConflict
		}

		if err := tx.Where("1 = 1").Delete(&models.EntryRecord{}).Error; err != nil {
			return err
		}
		for i := range entries {
			rec, err := entries[i].ToRecord()
			if err != nil {
				return err
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.StoreVersion{}).Where("id = ?", 1).
			Update("version", next).Error
	})
	if err != nil {
		return "", err
	}
	return versionFromCounter(next), nil
}

func versionFromCounter(n int64) Version {
	if n == 0 {
		return ""
	}
	return Version(strconv.FormatInt(n, 10))
}

func counterFromVersion(v Version) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed version token %q", v)
	}
	return n, nil
}
