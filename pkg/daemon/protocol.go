package daemon

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Op identifies a daemon request operation.
type Op string

const (
	OpStart   Op = "start"
	OpKill    Op = "kill"
	OpSync    Op = "sync"
	OpCheck   Op = "check"
	OpSave    Op = "save"
	OpLoad    Op = "load"
	OpList    Op = "list"
	OpStatus  Op = "status"
	OpHistory Op = "history"
)

// Validate checks if the operation is valid.
func (o Op) Validate() error {
	switch o {
	case OpStart, OpKill, OpSync, OpCheck, OpSave, OpLoad, OpList, OpStatus, OpHistory:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// Request is one framed client request.
type Request struct {
	// ID correlates the response with the request.
	ID string `msgpack:"id"`

	// Op selects the operation.
	Op Op `msgpack:"op"`

	// Payload is the msgpack-encoded operation parameters.
	Payload []byte `msgpack:"payload,omitempty"`
}

// Response is one framed daemon response.
type Response struct {
	// ID echoes the request ID.
	ID string `msgpack:"id"`

	// OK reports whether the operation succeeded.
	OK bool `msgpack:"ok"`

	// Error carries the failure message when OK is false.
	Error string `msgpack:"error,omitempty"`

	// Payload is the msgpack-encoded operation result.
	Payload []byte `msgpack:"payload,omitempty"`
}

// EncodePayload marshals operation parameters or results.
func EncodePayload(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodePayload unmarshals operation parameters or results.
func DecodePayload(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// StartParams creates and activates an environment.
type StartParams struct {
	Name        string `msgpack:"name"`
	Interpreter string `msgpack:"interpreter"`
}

// KillParams deactivates an environment and optionally removes its
// on-disk tree.
type KillParams struct {
	Name        string `msgpack:"name"`
	RemoveFiles bool   `msgpack:"remove_files"`
}

// SyncParams synchronizes an environment to a requirement set.
type SyncParams struct {
	Name               string   `msgpack:"name"`
	Requirements       []string `msgpack:"requirements"`
	Strategy           string   `msgpack:"strategy"`
	AllowErrorOverride bool     `msgpack:"allow_error_override"`
}

// CheckParams compares the stored snapshot against the live
// environment.
type CheckParams struct {
	Name string `msgpack:"name"`
}

// SaveParams exports an environment snapshot to a file.
type SaveParams struct {
	Name string `msgpack:"name"`
	Path string `msgpack:"path"`
}

// LoadParams restores an environment from a saved snapshot file.
type LoadParams struct {
	Name               string `msgpack:"name"`
	Path               string `msgpack:"path"`
	AllowErrorOverride bool   `msgpack:"allow_error_override"`
}

// HistoryParams lists past transactions for an environment.
type HistoryParams struct {
	Name string `msgpack:"name"`

	// Limit caps the number of transactions returned, newest first.
	// Zero means the server default.
	Limit int `msgpack:"limit"`
}

// EnvironmentInfo summarizes one environment for clients.
type EnvironmentInfo struct {
	Name        string    `msgpack:"name"`
	Status      string    `msgpack:"status"`
	Interpreter string    `msgpack:"interpreter"`
	Revision    int64     `msgpack:"revision"`
	Packages    int       `msgpack:"packages"`
	UpdatedAt   time.Time `msgpack:"updated_at"`
}

// IssueInfo is a validation issue surfaced to clients.
type IssueInfo struct {
	Severity string `msgpack:"severity"`
	Code     string `msgpack:"code"`
	Package  string `msgpack:"package,omitempty"`
	Message  string `msgpack:"message"`
}

// StartResult is the response payload for OpStart.
type StartResult struct {
	Environment EnvironmentInfo `msgpack:"environment"`
}

// KillResult is the response payload for OpKill.
type KillResult struct {
	Removed bool `msgpack:"removed"`
}

// SyncResult is the response payload for OpSync and OpLoad.
type SyncResult struct {
	PlanID        string      `msgpack:"plan_id"`
	TransactionID string      `msgpack:"transaction_id,omitempty"`
	Status        string      `msgpack:"status"`
	Changes       []string    `msgpack:"changes"`
	Issues        []IssueInfo `msgpack:"issues,omitempty"`
	Revision      int64       `msgpack:"revision"`
}

// CheckResult is the response payload for OpCheck.
type CheckResult struct {
	Name   string   `msgpack:"name"`
	Status string   `msgpack:"status"`
	InSync bool     `msgpack:"in_sync"`
	Drift  []string `msgpack:"drift,omitempty"`
}

// SaveResult is the response payload for OpSave.
type SaveResult struct {
	Path     string `msgpack:"path"`
	Packages int    `msgpack:"packages"`
}

// ListResult is the response payload for OpList.
type ListResult struct {
	Environments []EnvironmentInfo `msgpack:"environments"`
}

// TransactionInfo summarizes one executed transaction for clients.
type TransactionInfo struct {
	ID           string    `msgpack:"id"`
	Environment  string    `msgpack:"environment"`
	PlanID       string    `msgpack:"plan_id"`
	Status       string    `msgpack:"status"`
	Operations   int       `msgpack:"operations"`
	BaseRevision int64     `msgpack:"base_revision"`
	Error        string    `msgpack:"error,omitempty"`
	StartedAt    time.Time `msgpack:"started_at"`
	FinishedAt   time.Time `msgpack:"finished_at"`
}

// HistoryResult is the response payload for OpHistory.
type HistoryResult struct {
	Name         string            `msgpack:"name"`
	Transactions []TransactionInfo `msgpack:"transactions"`
}

// PerformanceInfo mirrors the metrics snapshot for status reporting.
type PerformanceInfo struct {
	AvgInstallTime time.Duration `msgpack:"avg_install_time"`
	AvgSyncTime    time.Duration `msgpack:"avg_sync_time"`
	CacheHitRate   float64       `msgpack:"cache_hit_rate"`
	SyncCount      int64         `msgpack:"sync_count"`
}

// StatusResult is the response payload for OpStatus.
type StatusResult struct {
	Version      string          `msgpack:"version"`
	Uptime       time.Duration   `msgpack:"uptime"`
	Environments int             `msgpack:"environments"`
	ActiveSyncs  []string        `msgpack:"active_syncs,omitempty"`
	Performance  PerformanceInfo `msgpack:"performance"`
}
