package localstore

import (
	"context"
	"fmt"
	"time"
)

const syncLeaseKey = "sync_lease"

// The lease value is a zero padded expiry in unix nanoseconds, a bar, then
// the holder. Padding keeps string order equal to time order.
const leaseHolderAt = 22 // 1-based substr offset of the holder

func leaseValue(expires time.Time, holder string) string {
	return fmt.Sprintf("%020d|%s", expires.UnixNano(), holder)
}

// AcquireSyncLease claims the right to replay the outbox for holder until
// ttl from now. Every process sharing the file goes through the same row,
// so at most one of them flushes at a time. It succeeds when the lease is
// free, expired or already held by holder; a held lease is extended.
func (s *Store) AcquireSyncLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO store_meta ("key", "value") VALUES (?, ?)
		ON CONFLICT ("key") DO UPDATE SET "value" = excluded."value"
		WHERE store_meta."value" < ? OR substr(store_meta."value", ?) = ?
	`, syncLeaseKey, leaseValue(now.Add(ttl), holder), leaseValue(now, ""), leaseHolderAt, holder)
	if res.Error != nil {
		return false, fmt.Errorf("acquire sync lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSyncLease drops the lease if holder still has it.
func (s *Store) ReleaseSyncLease(ctx context.Context, holder string) error {
	err := s.db.WithContext(ctx).Exec(`
		DELETE FROM store_meta WHERE "key" = ? AND substr("value", ?) = ?
	`, syncLeaseKey, leaseHolderAt, holder).Error
	if err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}
