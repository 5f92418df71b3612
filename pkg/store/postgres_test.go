package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/topiq/topiq/internal/testutil/pgtest"
	"github.com/topiq/topiq/pkg/store"
)

func TestPostgresAllocateNextIDIsMonotonic(t *testing.T) {
	s := pgtest.OpenStore(t)
	ctx := context.Background()
	topic := "test-alloc"

	first, err := s.AllocateNextID(ctx, topic)
	require.NoError(t, err)
	second, err := s.AllocateNextID(ctx, topic)
	require.NoError(t, err)

	require.Equal(t, first+1, second)
}

func TestPostgresInsertAndFetchAfterOrdersByID(t *testing.T) {
	s := pgtest.OpenStore(t)
	ctx := context.Background()
	topic := "test-fetch"

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.AllocateNextID(ctx, topic)
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, s.Insert(ctx, topic, store.Record{
			ID:          id,
			CreatedAt:   time.Now(),
			ShardingKey: "k",
			Payload:     []byte(`{"n":1}`),
		}))
	}

	recs, err := s.FetchAfter(ctx, topic, ids[0], 100)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i := 1; i < len(recs); i++ {
		require.Greater(t, recs[i].ID, recs[i-1].ID)
	}
}

func TestPostgresFetchAfterRespectsLimit(t *testing.T) {
	s := pgtest.OpenStore(t)
	ctx := context.Background()
	topic := "test-limit"

	for i := 0; i < 10; i++ {
		id, err := s.AllocateNextID(ctx, topic)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, topic, store.Record{
			ID:          id,
			CreatedAt:   time.Now(),
			ShardingKey: "k",
			Payload:     []byte(`{}`),
		}))
	}

	recs, err := s.FetchAfter(ctx, topic, 0, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}
