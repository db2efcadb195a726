package queue_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"attendboard/internal/queue"
	"attendboard/internal/testutil"
)

func TestInMemory(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	q := queue.NewInMemory(4)

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeUpdate, Body: []byte(`{"update_id":1}`)}))
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := testutil.RequireReceive(ctx, t, msgs)
	require.Equal(t, queue.TypeUpdate, msg.Type)
	require.JSONEq(t, `{"update_id":1}`, string(msg.Body))
}

func TestRedisQueue(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, "")
	body := `{"update_id":7,"message":{"text":"a|b"}}`
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeUpdate, Body: []byte(body)}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeUpdate, Body: []byte(`{"update_id":8}`)}))

	n, err := client.LLen(ctx, queue.DefaultKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	first := testutil.RequireReceive(ctx, t, msgs)
	require.Equal(t, queue.TypeUpdate, first.Type)
	require.Equal(t, body, string(first.Body), "the body may itself contain the separator")
	second := testutil.RequireReceive(ctx, t, msgs)
	require.Equal(t, `{"update_id":8}`, string(second.Body))
}

func TestRedisQueueUnreachable(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	_, err := queue.NewRedisQueue(client, "k").Consume(ctx)
	require.Error(t, err)
}
