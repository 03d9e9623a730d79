package store

import (
	"time"
)

// AuthToken types.
const (
	TokenTypeVerifyEmail   = "VERIFY_EMAIL"
	TokenTypeResetPassword = "RESET_PASSWORD"
	TokenTypeChangeEmail   = "CHANGE_EMAIL"
)

// Reserved role names seeded at startup.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Audit actions recorded by the identity and node subsystems.
const (
	AuditLoginSuccess     = "LOGIN_SUCCESS"
	AuditLoginFailed      = "LOGIN_FAILED"
	AuditLogout           = "LOGOUT"
	AuditBootstrapClaimed = "BOOTSTRAP_CLAIMED"
	AuditUserCreated      = "USER_CREATED"
	AuditUserDeleted      = "USER_DELETED"
	AuditRolesReplaced    = "ROLES_REPLACED"
	AuditPasswordSet      = "PASSWORD_SET"
	AuditNodeCreated      = "NODE_CREATED"
	AuditNodeDeleted      = "NODE_DELETED"
)

// Node identifies one monitored host running an agent. AuthTokenHash is
// the SHA-256 of the long-lived bearer the agent presents at exchange;
// the plaintext is shown exactly once at create time. The mqtt_* columns
// are reserved for per-node broker credential rotation and are not yet
// populated by any code path.
type Node struct {
	ID                    string     `gorm:"primaryKey;size:26" json:"id"`
	Name                  *string    `json:"name"`
	AuthTokenHash         *string    `gorm:"uniqueIndex;size:64" json:"-"`
	MQTTUsername          *string    `gorm:"column:mqtt_username" json:"-"`
	MQTTPasswordHash      *string    `gorm:"column:mqtt_password_hash" json:"-"`
	MQTTPasswordExpiresAt *time.Time `gorm:"column:mqtt_password_expires_at" json:"-"`
	LastSeenAt            *time.Time `json:"last_seen_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`

	Metrics    []Metric        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	SystemInfo *NodeSystemInfo `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Metric is one append-only host-metrics sample. TS is the agent clock,
// CreatedAt the server ingest clock; both are kept because skew is allowed.
type Metric struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	NodeID    string    `gorm:"size:26;not null;index:idx_metrics_node_ts" json:"node_id"`
	TS        int64     `gorm:"column:ts;not null;index:idx_metrics_node_ts" json:"ts"`
	CPU       float64   `gorm:"not null" json:"cpu"`
	MemUsed   uint64    `gorm:"not null" json:"mem_used"`
	MemTotal  uint64    `gorm:"not null" json:"mem_total"`
	DiskUsed  uint64    `gorm:"not null" json:"disk_used"`
	DiskTotal uint64    `gorm:"not null" json:"disk_total"`
	NetRx     uint64    `gorm:"not null" json:"net_rx"`
	NetTx     uint64    `gorm:"not null" json:"net_tx"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeSystemInfo is the one-per-node inventory record, written only when
// its canonical hash changes; a republish with the same hash only
// advances the node's last-seen time.
type NodeSystemInfo struct {
	NodeID     string    `gorm:"primaryKey;size:26" json:"node_id"`
	Hash       string    `gorm:"size:64;not null" json:"hash"`
	Payload    string    `gorm:"not null" json:"payload"`
	ReportedTS int64     `gorm:"column:reported_ts;not null" json:"reported_ts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// User is an operator account. A nil PasswordHash marks a shell user
// awaiting setup via a reset token.
type User struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	Email            string     `gorm:"not null" json:"email"`
	EmailNormalized  string     `gorm:"uniqueIndex;not null" json:"-"`
	PasswordHash     *string    `json:"-"`
	DisplayName      *string    `json:"display_name"`
	EmailVerifiedAt  *time.Time `json:"email_verified_at"`
	IsDisabled       bool       `gorm:"not null;default:false" json:"is_disabled"`
	FailedLoginCount int        `gorm:"not null;default:0" json:"-"`
	LockedUntil      *time.Time `json:"-"`
	LastLoginAt      *time.Time `json:"last_login_at"`
	LastLoginIP      *string    `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Roles []Role `gorm:"many2many:user_roles;constraint:OnDelete:CASCADE" json:"roles,omitempty"`
}

// Role is a named bundle of permissions. Names are lowercase and match
// ^[a-z][a-z0-9:_-]*$; "admin" and "user" are reserved seeds.
type Role struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Name        string  `gorm:"uniqueIndex;not null" json:"name"`
	Description *string `json:"description"`

	Permissions []Permission `gorm:"many2many:role_permissions;constraint:OnDelete:CASCADE" json:"permissions,omitempty"`
}

// Permission is an opaque permission code. Static codes are seeded;
// node:read:<id> / node:write:<id> are provisioned on first reference.
type Permission struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Code        string  `gorm:"uniqueIndex;not null" json:"code"`
	Description *string `json:"description"`
}

// Session is a bearer-token login session. Active iff RevokedAt is nil
// and ExpiresAt is in the future.
type Session struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	UserID     string     `gorm:"size:36;not null;index" json:"user_id"`
	TokenHash  string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	IP         *string    `json:"-"`
	UserAgent  *string    `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`

	User User `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// AuthToken is a single-use secret for password setup, reset, and the
// first-admin bootstrap (distinguished by Metadata).
type AuthToken struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	UserID     string     `gorm:"size:36;not null;index" json:"user_id"`
	Type       string     `gorm:"not null" json:"type"`
	TokenHash  string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at"`
	Metadata   *string    `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`

	User User `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// AuditLog rows survive user deletion with UserID nulled.
type AuditLog struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    *string   `gorm:"size:36" json:"user_id"`
	Action    string    `gorm:"not null;index" json:"action"`
	IP        *string   `json:"ip"`
	UserAgent *string   `json:"user_agent"`
	Details   *string   `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
