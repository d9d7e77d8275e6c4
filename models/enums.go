package models

import "errors"

type ProjectType string

const (
	ProjectTypeFix       ProjectType = "fix"
	ProjectTypeFramework ProjectType = "framework"
)

func ParseProjectType(s string) (ProjectType, error) {
	switch s {
	case "", "fix":
		return ProjectTypeFix, nil
	case "framework", "rahmenvertrag":
		return ProjectTypeFramework, nil
	default:
		return "", errors.New("invalid project type")
	}
}

type EntrySource string

const (
	EntrySourceErp     EntrySource = "erp"
	EntrySourceManual  EntrySource = "manual"
	EntrySourceHubspot EntrySource = "hubspot"
	EntrySourceImport  EntrySource = "import"
)

// Final assignment values that take an entry out of the active set.
const (
	FinalAssignmentArchived = "archived"
	FinalAssignmentMerged   = "merged"
)

// Phase values >= PhaseTerminal are no longer considered active.
const PhaseTerminal = 4

type LogEventType string

const (
	LogEventCreate      LogEventType = "create"
	LogEventUpdate      LogEventType = "update"
	LogEventDelete      LogEventType = "delete"
	LogEventSkip        LogEventType = "skip"
	LogEventMergeTarget LogEventType = "merge_target"
	LogEventMergeSource LogEventType = "merge_source"
	LogEventError       LogEventType = "error"
)

// Skip / validation reasons shared across the reconciliation engines.
const (
	ReasonMissingKv          = "missing_kv"
	ReasonMissingAmount      = "missing_amount"
	ReasonDuplicateKv        = "duplicate_kv"
	ReasonDuplicateKvBatch   = "duplicate_kv_batch"
	ReasonDuplicateProjectKv = "duplicate_project_kv"
	ReasonNoChange           = "no_change"
	ReasonProcessingError    = "processing_error"
)

// Validation endpoint result codes.
const (
	ValidationDuplicateKv        = "DUPLICATE_KV"
	ValidationRahmenvertragFound = "RAHMENVERTRAG_FOUND"
	ValidationProjectExists      = "PROJECT_EXISTS"
)
