package router

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDedupe(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	d := NewRedisDedupe(client, time.Minute)
	key := "test|" + uuid.NewString()

	_, replay, err := d.Begin(ctx, key)
	require.NoError(t, err)
	require.False(t, replay)
	assert.Equal(t, redisPending, mustGet(t, mr, "ocpihub:dedupe:"+key))
	assert.Equal(t, time.Minute, mr.TTL("ocpihub:dedupe:"+key))

	_, _, err = d.Begin(ctx, key)
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, d.Complete(ctx, key, Result{Status: 200, Body: []byte(`{"ok":true}`)}))
	res, replay, err := d.Begin(ctx, key)
	require.NoError(t, err)
	require.True(t, replay)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))

	require.NoError(t, d.Release(ctx, key))
	assert.False(t, mr.Exists("ocpihub:dedupe:"+key))
	_, replay, err = d.Begin(ctx, key)
	require.NoError(t, err)
	assert.False(t, replay)

	require.NoError(t, d.Release(ctx, "never-reserved"))
}

func TestRedisDedupeWindowExpires(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	d := NewRedisDedupe(client, time.Minute)

	_, _, err := d.Begin(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx, "k", Result{Status: 201}))

	mr.FastForward(59 * time.Second)
	_, replay, err := d.Begin(ctx, "k")
	require.NoError(t, err)
	assert.True(t, replay)

	mr.FastForward(time.Second)
	_, replay, err = d.Begin(ctx, "k")
	require.NoError(t, err)
	assert.False(t, replay, "a fresh reservation after the window")
}

// expireAfterLostReserve simulates the key expiring right after a SET NX
// that lost the race, before the follow-up GET.
type expireAfterLostReserve struct {
	mr    *miniredis.Miniredis
	ttl   time.Duration
	fired atomic.Int32
}

func (h *expireAfterLostReserve) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *expireAfterLostReserve) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *expireAfterLostReserve) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if b, ok := cmd.(*redis.BoolCmd); ok && err == nil && !b.Val() && h.fired.Add(1) == 1 {
			h.mr.FastForward(h.ttl)
		}
		return err
	}
}

func TestRedisDedupeRetriesWhenKeyExpiresBeforeLoad(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	d := NewRedisDedupe(client, time.Minute)

	_, _, err := d.Begin(ctx, "k")
	require.NoError(t, err)

	hook := &expireAfterLostReserve{mr: mr, ttl: time.Minute}
	client.AddHook(hook)

	_, replay, err := d.Begin(ctx, "k")
	require.NoError(t, err, "second SET NX wins after the expiry")
	assert.False(t, replay)
	assert.EqualValues(t, 1, hook.fired.Load())
	assert.Equal(t, redisPending, mustGet(t, mr, "ocpihub:dedupe:k"))
}

func TestRedisDedupeRejectsCorruptRecord(t *testing.T) {
	mr, client := newRedis(t)
	d := NewRedisDedupe(client, time.Minute)
	require.NoError(t, mr.Set("ocpihub:dedupe:k", "{not json"))

	_, _, err := d.Begin(context.Background(), "k")
	require.ErrorContains(t, err, "decode dedupe result")
}

func TestRedisDedupeSurfacesConnectionErrors(t *testing.T) {
	mr, client := newRedis(t)
	d := NewRedisDedupe(client, time.Minute)
	mr.Close()

	_, _, err := d.Begin(context.Background(), "k")
	require.ErrorContains(t, err, "reserve dedupe key")
}

func TestRouterReplaysThroughRedis(t *testing.T) {
	_, client := newRedis(t)
	h := newHub(t, WithDedupe(NewRedisDedupe(client, time.Minute)))
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)

	req := Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleLocations, Method: http.MethodPut,
		CorrelationID: "corr-r", Body: locationBody("NL", "CPO", "LOCR"),
	}
	first, err := h.router.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := h.router.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)
	assert.Len(t, emspPeer.Calls(), 1)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
