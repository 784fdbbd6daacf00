// Package model defines domain entities shared by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// RouterIdentity describes how to reach one managed router. Owned by
// configuration; read-only everywhere else.
type RouterIdentity struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Timeout  time.Duration // dial + per-command deadline
}

// ProfileKind distinguishes the router service a profile belongs to.
type ProfileKind string

const (
	ProfileHotspot ProfileKind = "hotspot"
	ProfilePPPoE   ProfileKind = "pppoe"
)

// ProfileSource records where the local copy of a profile came from.
type ProfileSource string

const (
	SourceRouter       ProfileSource = "router"
	SourceLocalPending ProfileSource = "local-pending"
)

// Profile is a named bundle of bandwidth/time limits applied to users.
// The router is authoritative; the local row is a cache.
type Profile struct {
	RouterID       string
	Name           string
	Kind           ProfileKind
	RateLimit      string // e.g. "2M/10M"
	SharedUsers    int64
	SessionTimeout string
	Note           string // local administrative label, never sent to the router
	Source         ProfileSource
	LastSyncedAt   time.Time
}

// CredentialStatus is the lifecycle state of a generated access credential.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialUsed     CredentialStatus = "used"
	CredentialDisabled CredentialStatus = "disabled"
)

// Credential is a username/password pair granting access under a profile.
// (RouterID, Username) is unique.
type Credential struct {
	ID           uuid.UUID
	RouterID     string
	BatchID      uuid.NullUUID // set when generated as part of a voucher batch
	Username     string
	Password     string
	Profile      string
	Status       CredentialStatus
	Note         string
	BytesIn      int64
	BytesOut     int64
	LastSyncedAt time.Time
}

// BatchStatus is the voucher batch lifecycle state. Transitions are
// monotonic: pending -> generating -> completed|failed.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchGenerating BatchStatus = "generating"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// VoucherBatch is a sized request to generate many credentials at once.
type VoucherBatch struct {
	ID           uuid.UUID
	RouterID     string
	Profile      string
	Count        int
	Prefix       string
	Charset      string
	Length       int
	Status       BatchStatus
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// ActiveSession is a point-in-time snapshot of one logged-in user.
// Never persisted or reconciled against history.
type ActiveSession struct {
	RouterID string
	Username string
	Address  string
	MAC      string
	Uptime   string
	BytesIn  int64
	BytesOut int64
}

// SystemResource reports the router's hardware/software state.
type SystemResource struct {
	Uptime       string
	Version      string
	BoardName    string
	Architecture string
	CPULoad      int64
	FreeMemory   int64
	TotalMemory  int64
}

// InterfaceStats is one row of the router's interface list.
type InterfaceStats struct {
	Name     string
	Type     string
	Running  bool
	Disabled bool
	RxByte   int64
	TxByte   int64
	Comment  string
}

// TrafficSample is one frame of a live traffic monitor stream.
type TrafficSample struct {
	Interface string
	RxBPS     int64
	TxBPS     int64
}

// SyncError records one entity that failed during a sync run without
// aborting it.
type SyncError struct {
	Kind string // "profile" | "credential"
	Key  string // natural identity (profile name / username)
	Err  string
}

// SyncReport summarizes one sync invocation for one router.
type SyncReport struct {
	RouterID  string
	Created   int
	Updated   int
	Unchanged int
	Errors    []SyncError
	Active    []ActiveSession // filled only when the snapshot was requested
}
