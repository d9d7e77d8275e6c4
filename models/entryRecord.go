package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EntryRecord is the relational mirror of Entry for the SQL variant of the
// store. Scalar columns exist for querying; the full record (including
// provenance-specific extras) lives in the payload JSON column.
type EntryRecord struct {
	ID                  string          `gorm:"primaryKey;size:64" json:"id"`
	KvNummer            string          `gorm:"index;size:100" json:"kv_nummer"`
	ProjectNumber       string          `gorm:"index;size:100" json:"project_number"`
	ProjectType         string          `gorm:"size:20" json:"project_type"`
	Title               string          `gorm:"size:255" json:"title"`
	Client              string          `gorm:"size:255" json:"client"`
	Amount              decimal.Decimal `gorm:"type:decimal(18,2)" json:"amount"`
	Source              string          `gorm:"index;size:20" json:"source"`
	HubspotID           string          `gorm:"index;size:64" json:"hubspot_id"`
	DockPhase           int             `json:"dock_phase"`
	DockFinalAssignment string          `gorm:"size:30" json:"dock_final_assignment"`
	Payload             string          `gorm:"type:json" json:"payload"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EntryRecord) TableName() string {
	return "sales_entries"
}

// StoreVersion is the single-row compare-and-swap token for the SQL store.
type StoreVersion struct {
	ID        int       `gorm:"primaryKey" json:"id"`
	Version   int64     `gorm:"not null" json:"version"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StoreVersion) TableName() string {
	return "sales_entry_versions"
}

func (e *Entry) ToRecord() (EntryRecord, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return EntryRecord{}, err
	}
	return EntryRecord{
		ID:                  e.ID,
		KvNummer:            e.KvNummer,
		ProjectNumber:       e.ProjectNumber,
		ProjectType:         string(e.ProjectType),
		Title:               e.Title,
		Client:              e.Client,
		Amount:              e.Amount,
		Source:              string(e.Source),
		HubspotID:           e.HubspotID,
		DockPhase:           e.DockPhase,
		DockFinalAssignment: e.DockFinalAssignment,
		Payload:             string(payload),
	}, nil
}

func (r *EntryRecord) ToEntry() (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
