package models

import "time"

// RunStatus is the terminal (or current) state of an ingestion or
// maintenance run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ErrorKind classifies failures recorded in run reports.
type ErrorKind string

const (
	ErrorKindTransientIO        ErrorKind = "transient_io"
	ErrorKindExtraction         ErrorKind = "extraction_failure"
	ErrorKindConflict           ErrorKind = "conflict_violation"
	ErrorKindStorageUnavailable ErrorKind = "storage_unavailable"
	ErrorKindInvalidRecord      ErrorKind = "invalid_record"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindCollection         ErrorKind = "collection_failure"
	ErrorKindHandoff            ErrorKind = "handoff_failure"
)

// RecordOutcome is the per-record result of an ingestion batch.
type RecordOutcome string

const (
	OutcomeSuccess  RecordOutcome = "success"
	OutcomeDegraded RecordOutcome = "degraded"
	OutcomeFailed   RecordOutcome = "failed"
)

// RecordError is one entry of a run's error list.
type RecordError struct {
	Kind     ErrorKind `json:"kind"`
	Source   string    `json:"source,omitempty"`
	Region   string    `json:"region,omitempty"`
	City     string    `json:"city,omitempty"`
	SourceID string    `json:"source_id,omitempty"`
	Area     string    `json:"area,omitempty"`
	Message  string    `json:"message"`
}

// IngestionRun is the persisted log row of one ingestion batch.
type IngestionRun struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	Source          string     `gorm:"size:64;not null;index" json:"source"`
	RunStart        time.Time  `gorm:"not null" json:"run_start"`
	RunEnd          *time.Time `json:"run_end"`
	RecordsScanned  int        `json:"records_scanned"`
	RecordsInserted int        `json:"records_inserted"`
	RecordsUpdated  int        `json:"records_updated"`
	PriceChanges    int        `json:"price_changes"`
	Errors          string     `gorm:"type:text" json:"errors"`
	Status          RunStatus  `gorm:"size:16;not null;index" json:"status"`
}

// RunReport summarises one RunIngestion call. It is always returned, even
// when the batch could not start.
type RunReport struct {
	RunID          int64                 `json:"run_id"`
	Source         string                `json:"source"`
	Status         RunStatus             `json:"status"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	Scanned        int                   `json:"scanned"`
	Inserted       int                   `json:"inserted"`
	Updated        int                   `json:"updated"`
	PriceChanges   int                   `json:"price_changes"`
	Outcomes       map[RecordOutcome]int `json:"outcomes"`
	AreasTouched   []string              `json:"areas_touched"`
	AreasRefreshed int                   `json:"areas_refreshed"`
	Errors         []RecordError         `json:"errors"`
}

// MaintenanceReport summarises one RunMaintenance call.
type MaintenanceReport struct {
	Status         RunStatus     `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	StaleMarked    int64         `json:"stale_marked"`
	AreasTotal     int           `json:"areas_total"`
	AreasRefreshed int           `json:"areas_refreshed"`
	Errors         []RecordError `json:"errors"`
}
