package database

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/dltrh/devision-auth/pkg/models"
)

// Account represents an account row using Bun ORM. Every shard carries the
// same schema; a given account lives in exactly one shard at any instant.
type Account struct {
	bun.BaseModel `bun:"table:accounts"`

	ID           string    `bun:"id,pk"`
	Email        string    `bun:"email,unique,notnull"`
	PasswordHash string    `bun:"password_hash,notnull,default:''"`
	Role         string    `bun:"role,notnull,default:'candidate'"`
	Status       string    `bun:"status,notnull,default:'pending'"`
	CountryCode  string    `bun:"country_code,notnull"`
	Provider     string    `bun:"provider,notnull,default:''"`
	ProviderID   string    `bun:"provider_id,notnull,default:''"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// ToModel converts database Account to domain model
func (a *Account) ToModel() *models.Account {
	return &models.Account{
		ID:           a.ID,
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		Role:         models.Role(a.Role),
		Status:       models.AccountStatus(a.Status),
		CountryCode:  a.CountryCode,
		Provider:     a.Provider,
		ProviderID:   a.ProviderID,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// AccountFromModel converts domain model to database Account
func AccountFromModel(m *models.Account) *Account {
	return &Account{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         string(m.Role),
		Status:       string(m.Status),
		CountryCode:  m.CountryCode,
		Provider:     m.Provider,
		ProviderID:   m.ProviderID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
