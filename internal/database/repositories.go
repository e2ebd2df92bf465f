package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/models"
)

// ErrAccountNotFound is returned when no account matches the lookup
var ErrAccountNotFound = errors.New("account not found")

// AccountRepository provides database operations for accounts. Every call
// routes to the shard recorded in the request context; the shard must have
// been resolved by an entry point before the first call.
type AccountRepository interface {
	Get(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByProviderID(ctx context.Context, provider, providerID string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	UpdateCountry(ctx context.Context, id, countryCode string) error
	Delete(ctx context.Context, id string) error
}

type accountRepository struct {
	provider shard.ConnectionProvider
}

// NewAccountRepository creates a repository routed through the given provider
func NewAccountRepository(provider shard.ConnectionProvider) AccountRepository {
	return &accountRepository{provider: provider}
}

func (r *accountRepository) Get(ctx context.Context, id string) (*models.Account, error) {
	account := new(Account)
	err := r.provider.ForContext(ctx).NewSelect().
		Model(account).
		Where("id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	return account.ToModel(), nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	account := new(Account)
	err := r.provider.ForContext(ctx).NewSelect().
		Model(account).
		Where("email = ?", email).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	return account.ToModel(), nil
}

func (r *accountRepository) GetByProviderID(ctx context.Context, provider, providerID string) (*models.Account, error) {
	account := new(Account)
	err := r.provider.ForContext(ctx).NewSelect().
		Model(account).
		Where("provider = ?", provider).
		Where("provider_id = ?", providerID).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	return account.ToModel(), nil
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	row := AccountFromModel(account)
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := r.provider.ForContext(ctx).NewInsert().
		Model(row).
		Exec(ctx)
	return err
}

func (r *accountRepository) Update(ctx context.Context, account *models.Account) error {
	row := AccountFromModel(account)
	row.UpdatedAt = time.Now().UTC()

	_, err := r.provider.ForContext(ctx).NewUpdate().
		Model(row).
		WherePK().
		Exec(ctx)
	return err
}

// UpdateCountry changes only the partition attribute. Callers are expected
// to follow up with a partition-change event; the row does not move shards
// here.
func (r *accountRepository) UpdateCountry(ctx context.Context, id, countryCode string) error {
	res, err := r.provider.ForContext(ctx).NewUpdate().
		Model((*Account)(nil)).
		Set("country_code = ?", countryCode).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) Delete(ctx context.Context, id string) error {
	_, err := r.provider.ForContext(ctx).NewDelete().
		Model((*Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ShardedAccountStore provides per-shard account operations for callers
// that address shards explicitly: the migration orchestrator, the
// reconciler, and the scatter-gather lookups. Routed request traffic uses
// AccountRepository instead.
type ShardedAccountStore struct {
	registry *shard.Registry
	timeout  time.Duration
}

// NewShardedAccountStore creates a sharded account store. The timeout
// bounds each per-shard probe during fan-out lookups.
func NewShardedAccountStore(registry *shard.Registry, scatterTimeout time.Duration) *ShardedAccountStore {
	return &ShardedAccountStore{registry: registry, timeout: scatterTimeout}
}

// GetOn reads an account from one explicit shard
func (s *ShardedAccountStore) GetOn(ctx context.Context, name shard.Name, id string) (*models.Account, error) {
	db, err := s.registry.DB(name)
	if err != nil {
		return nil, err
	}

	account := new(Account)
	err = db.NewSelect().
		Model(account).
		Where("id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	return account.ToModel(), nil
}

// UpsertOn writes an account to one explicit shard, replacing any existing
// row with the same id. Used by the migration destination write so retries
// after a partial failure stay idempotent.
func (s *ShardedAccountStore) UpsertOn(ctx context.Context, name shard.Name, account *models.Account) error {
	db, err := s.registry.DB(name)
	if err != nil {
		return err
	}

	row := AccountFromModel(account)
	row.UpdatedAt = time.Now().UTC()

	_, err = db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("password_hash = EXCLUDED.password_hash").
		Set("role = EXCLUDED.role").
		Set("status = EXCLUDED.status").
		Set("country_code = EXCLUDED.country_code").
		Set("provider = EXCLUDED.provider").
		Set("provider_id = EXCLUDED.provider_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// DeleteOn removes an account from one explicit shard
func (s *ShardedAccountStore) DeleteOn(ctx context.Context, name shard.Name, id string) error {
	db, err := s.registry.DB(name)
	if err != nil {
		return err
	}

	_, err = db.NewDelete().
		Model((*Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// FindByEmailAnyShard locates an account by email when the owning shard is
// unknown. Returns the account and the shard that holds it.
func (s *ShardedAccountStore) FindByEmailAnyShard(ctx context.Context, email string) (*models.Account, shard.Name, error) {
	return shard.Gather(ctx, s.registry, s.timeout,
		func(ctx context.Context, name shard.Name, db *bun.DB) (*models.Account, bool, error) {
			account := new(Account)
			err := db.NewSelect().
				Model(account).
				Where("email = ?", email).
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return account.ToModel(), true, nil
		})
}

// FindByProviderAnyShard locates an account by SSO provider identity when
// the owning shard is unknown.
func (s *ShardedAccountStore) FindByProviderAnyShard(ctx context.Context, provider, providerID string) (*models.Account, shard.Name, error) {
	return shard.Gather(ctx, s.registry, s.timeout,
		func(ctx context.Context, name shard.Name, db *bun.DB) (*models.Account, bool, error) {
			account := new(Account)
			err := db.NewSelect().
				Model(account).
				Where("provider = ?", provider).
				Where("provider_id = ?", providerID).
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return account.ToModel(), true, nil
		})
}

// LocateTenant finds which shards currently hold a copy of the tenant's
// row. Unlike the unique-identifier lookups this tolerates multiple copies,
// because an interrupted migration legitimately leaves two; callers decide
// what to do with them.
func (s *ShardedAccountStore) LocateTenant(ctx context.Context, tenantID string) (map[shard.Name]*models.Account, error) {
	copies := make(map[shard.Name]*models.Account)
	for _, name := range s.registry.Topology().Names() {
		account, err := s.GetOn(ctx, name, tenantID)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		copies[name] = account
	}
	return copies, nil
}

// CountByShard reports the number of accounts held by each shard. Feeds
// the metrics collector.
func (s *ShardedAccountStore) CountByShard(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, name := range s.registry.Topology().Names() {
		db, err := s.registry.DB(name)
		if err != nil {
			return nil, err
		}
		count, err := db.NewSelect().
			Model((*Account)(nil)).
			Count(ctx)
		if err != nil {
			return nil, err
		}
		counts[string(name)] = count
	}
	return counts, nil
}
