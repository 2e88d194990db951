package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// URLCacheStorage maps test report numbers to previously resolved portal URLs
type URLCacheStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewURLCacheStorage creates a new URL cache storage instance
func NewURLCacheStorage(db *SQLiteDB, logger arbor.ILogger) *URLCacheStorage {
	return &URLCacheStorage{
		db:     db,
		logger: logger,
	}
}

// Lookup returns the cached URL for a test number, with found=false on a miss.
func (s *URLCacheStorage) Lookup(ctx context.Context, testNo string) (string, bool, error) {
	var url string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT url FROM ecm_url WHERE test_no = ?`, testNo).Scan(&url)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up cached URL: %w", err)
	}
	return url, true, nil
}

// Upsert stores the URL for a test number, replacing any previous entry.
// Later resolutions win so a re-run after a portal-side move refreshes the
// cache.
func (s *URLCacheStorage) Upsert(ctx context.Context, testNo, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO ecm_url (test_no, url) VALUES (?, ?)
		ON CONFLICT(test_no) DO UPDATE SET url = excluded.url`,
		testNo, url)
	if err != nil {
		return fmt.Errorf("failed to upsert cached URL: %w", err)
	}

	s.logger.Debug().Str("test_no", testNo).Msg("URL cache updated")
	return nil
}
