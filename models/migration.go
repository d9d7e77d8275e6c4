package models

import (
	"bitbucket.org/mmdatafocus/salesdock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	logger := config.GetLogger()

	err := db.AutoMigrate(
		&EntryRecord{},
		&StoreVersion{},
	)
	if err != nil {
		config.LogError(logger, "migration.go", "MigrateTable", "AutoMigrate", nil, err)
	}
}
