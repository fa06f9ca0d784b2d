package databases

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"groupchatcore/internal/persistence"
)

// NewChatStore returns a Postgres-backed ChatStore when dsn is non-empty,
// otherwise an in-memory ChatStore suitable for local runs and tests.
func NewChatStore(ctx context.Context, dsn string) (persistence.ChatStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		store := newMemoryChatStore()
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := NewPostgresChatStore(pool)
	if err := store.Init(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres chat store: %w", err)
	}
	return store, nil
}
