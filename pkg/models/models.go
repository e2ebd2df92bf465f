package models

import "time"

// Role is the access level granted to an account
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleRecruiter Role = "recruiter"
	RoleAdmin     Role = "admin"
)

// AccountStatus tracks the account lifecycle
type AccountStatus string

const (
	AccountStatusPending AccountStatus = "pending"
	AccountStatusActive  AccountStatus = "active"
	AccountStatusLocked  AccountStatus = "locked"
)

// Account is the sharded tenant entity. CountryCode is the partition key:
// it decides which shard logically owns the row. The physical location may
// lag behind the logical target while a migration is in flight.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Status       AccountStatus
	CountryCode  string

	// SSO identity, empty for password accounts
	Provider   string
	ProviderID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartitionChangeEvent is emitted by the owner of the country attribute
// whenever an account's country changes. Delivery is at-least-once:
// duplicates and out-of-order events are expected and handled downstream.
type PartitionChangeEvent struct {
	TenantID            string    `json:"tenant_id"`
	PreviousCountryCode string    `json:"previous_country_code"`
	NewCountryCode      string    `json:"new_country_code"`
	Timestamp           time.Time `json:"timestamp"`
}
