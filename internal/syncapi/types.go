package syncapi

import "encoding/json"

// Action is the legacy four-way record action.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionMerge  Action = "MERGE"
)

// Record is one legacy wire record.
type Record struct {
	// SyncOutID is assigned by the central server on queued records and is
	// empty on pushed ones.
	SyncOutID string          `json:"ID,omitempty"`
	TableName string          `json:"tableName"`
	RecordID  string          `json:"recordId"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data"`
}

// QueuedRecords is a page of inbound records plus the number still queued,
// including this page.
type QueuedRecords struct {
	QueueLength int      `json:"queueLength"`
	Data        []Record `json:"data"`
}

// AcknowledgeRequest acknowledges received records by syncOutId.
type AcknowledgeRequest struct {
	SyncIDs []string `json:"syncIDs"`
}

// PushRequest carries outbound records.
type PushRequest struct {
	QueueLength int      `json:"queueLength"`
	Data        []Record `json:"data"`
}

// PushResponse is the optional body of a push response.
type PushResponse struct {
	IntegrationStarted bool `json:"integrationStarted"`
}

// SiteInfo describes the site the credentials belong to.
type SiteInfo struct {
	ID     string `json:"id"`
	SiteID int    `json:"siteId"`
	Name   string `json:"name"`
	Code   string `json:"code"`
}

type legacyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
