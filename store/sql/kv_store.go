package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var errLostInsertRace = errors.New("sqlstore: concurrent insert won")

// KVStore keeps engine KV entries in skus_kv_entries, one row per
// namespace and key. Every write bumps the row revision.
type KVStore struct {
	db   *bun.DB
	repo repository.Repository[*kvEntryRecord]
	now  func() time.Time
}

func NewKVStore(db *bun.DB) (*KVStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*kvEntryRecord](db, kvEntryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid kv repository wiring: %w", err)
		}
	}
	return &KVStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *KVStore) Get(ctx context.Context, namespace string, key string) (string, error) {
	if s == nil || s.repo == nil {
		return "", fmt.Errorf("sqlstore: kv store is not configured")
	}
	namespace, key, err := normalizeKVKey(namespace, key)
	if err != nil {
		return "", err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("namespace", "=", namespace),
		repository.SelectBy("entry_key", "=", key),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].Value, nil
}

func (s *KVStore) Set(ctx context.Context, namespace string, key string, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: kv store is not configured")
	}
	namespace, key, err := normalizeKVKey(namespace, key)
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findKVEntryTx(ctx, tx, namespace, key)
		if err != nil {
			return err
		}
		if record == nil {
			_, err := s.repo.CreateTx(ctx, tx, s.newRecord(namespace, key, value))
			return err
		}
		_, err = s.bump(ctx, tx, record, value)
		return err
	})
}

// CompareAndSet writes value only while the stored value equals expected.
// The update is guarded by the row revision read in the same transaction.
func (s *KVStore) CompareAndSet(ctx context.Context, namespace string, key string, expected string, value string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: kv store is not configured")
	}
	namespace, key, err := normalizeKVKey(namespace, key)
	if err != nil {
		return false, err
	}
	swapped := false
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findKVEntryTx(ctx, tx, namespace, key)
		if err != nil {
			return err
		}
		if record == nil {
			if expected != "" {
				return nil
			}
			if _, err := s.repo.CreateTx(ctx, tx, s.newRecord(namespace, key, value)); err != nil {
				if isUniqueViolation(err) {
					return errLostInsertRace
				}
				return err
			}
			swapped = true
			return nil
		}
		if record.Value != expected {
			return nil
		}
		swapped, err = s.bump(ctx, tx, record, value)
		return err
	})
	if errors.Is(err, errLostInsertRace) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// Purge deletes every entry in namespace.
func (s *KVStore) Purge(ctx context.Context, namespace string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: kv store is not configured")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return fmt.Errorf("sqlstore: kv namespace is required")
	}
	_, err := s.db.NewDelete().
		Model((*kvEntryRecord)(nil)).
		Where("namespace = ?", namespace).
		Exec(ctx)
	return err
}

// Keys lists the keys stored in namespace.
func (s *KVStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: kv store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("namespace", "=", strings.TrimSpace(namespace)),
		repository.OrderBy("entry_key ASC"),
	)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.Key)
	}
	return keys, nil
}

func (s *KVStore) newRecord(namespace string, key string, value string) *kvEntryRecord {
	now := s.now()
	return &kvEntryRecord{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *KVStore) bump(ctx context.Context, tx bun.Tx, record *kvEntryRecord, value string) (bool, error) {
	result, err := tx.NewUpdate().
		Model((*kvEntryRecord)(nil)).
		Set("entry_value = ?", value).
		Set("revision = ?", record.Revision+1).
		Set("updated_at = ?", s.now()).
		Where("id = ?", record.ID).
		Where("revision = ?", record.Revision).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func findKVEntryTx(ctx context.Context, tx bun.Tx, namespace string, key string) (*kvEntryRecord, error) {
	record := &kvEntryRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.namespace = ?", namespace).
		Where("?TableAlias.entry_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func normalizeKVKey(namespace string, key string) (string, string, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" {
		return "", "", fmt.Errorf("sqlstore: kv namespace is required")
	}
	if key == "" {
		return "", "", fmt.Errorf("sqlstore: kv key is required")
	}
	return namespace, key, nil
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
