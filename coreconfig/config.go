// Package coreconfig holds the recognized configuration options from spec §6.
// Loading configuration from the environment, flags, or files is explicitly
// out of scope (spec §1 Non-goals: "bootstrap/configuration loading"); callers
// construct a Config programmatically, the same way the teacher's runtime
// takes a fully-populated options struct rather than parsing its own flags.
package coreconfig

import "time"

// ApprovalPolicy is the fallback behavior applied when an Interaction's
// deadline elapses without a client response (spec §4.7).
type ApprovalPolicy string

const (
	// PolicyAutoCancel rejects the pending tool call as if the user declined.
	PolicyAutoCancel ApprovalPolicy = "auto_cancel"
	// PolicyAutoApprove executes the tool call as if the user approved it.
	PolicyAutoApprove ApprovalPolicy = "auto_approve"
	// PolicySafeDefault substitutes a conservative, tool-declared default
	// result instead of executing or rejecting.
	PolicySafeDefault ApprovalPolicy = "safe_default"
)

// RecoveryStoreKind selects the Recovery Store backend.
type RecoveryStoreKind string

const (
	RecoveryStoreMemory RecoveryStoreKind = "memory"
	RecoveryStoreRedis  RecoveryStoreKind = "redis"
	RecoveryStoreMongo  RecoveryStoreKind = "mongo"
)

// Config is the set of recognized runtime options from spec §6.
type Config struct {
	IdleSessionThreshold     time.Duration
	RunnerIdleThreshold      time.Duration
	ApprovalDefaultTimeout   time.Duration
	ApprovalPolicy           ApprovalPolicy
	RecoveryStoreKind        RecoveryStoreKind
	EnableToolService        bool
	EnabledToolSources       []string
}

// Default returns the documented default configuration (spec §6).
func Default() Config {
	return Config{
		IdleSessionThreshold:   30 * time.Minute,
		RunnerIdleThreshold:    15 * time.Minute,
		ApprovalDefaultTimeout: 90 * time.Second,
		ApprovalPolicy:         PolicyAutoCancel,
		RecoveryStoreKind:      RecoveryStoreMemory,
		EnableToolService:      true,
		EnabledToolSources:     []string{"builtin"},
	}
}
