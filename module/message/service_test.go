package message

import (
	"context"
	"errors"
	"strings"
	"testing"

	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemStore, *storage.MemKeyRing) {
	t.Helper()
	c, err := security.NewCipher(security.MinIterations)
	require.NoError(t, err)
	store := NewMemStore()
	keys := storage.NewMemKeyRing()
	return NewService(c, keys, StoreSink{Store: store}, store), store, keys
}

func TestSealPersistHistory(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for _, body := range []string{"m1", "m2", "m3"} {
		rec, err := svc.Seal(ctx, "42", "alice", "c-"+body, body)
		require.NoError(t, err)
		assert.NotContains(t, string(rec.Payload.Ciphertext), body)
		require.NoError(t, svc.Persist(ctx, rec))
		// 重复投递不产生第二条
		require.NoError(t, svc.Persist(ctx, rec))
	}

	raw, _ := store.Recent(ctx, "42", 10)
	require.Len(t, raw, 3)

	hist, err := svc.History(ctx, "42", 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, body := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, body, hist[i].Body)
		assert.Equal(t, "alice", hist[i].SenderID)
		assert.False(t, hist[i].Unavailable)
	}
}

func TestHistoryTamperedIsUnavailable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Seal(ctx, "7", "bob", "", "secret plan")
	require.NoError(t, err)
	rec.Payload.Ciphertext[0] ^= 0xff
	require.NoError(t, store.Save(ctx, rec))

	ok, err := svc.Seal(ctx, "7", "bob", "", "fine")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, ok))

	hist, err := svc.History(ctx, "7", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Unavailable)
	assert.Empty(t, hist[0].Body)
	assert.Equal(t, "fine", hist[1].Body)
}

func TestOpenWithRotatedKeyFails(t *testing.T) {
	svc, _, keys := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Seal(ctx, "9", "carol", "", "hello")
	require.NoError(t, err)

	other, _ := security.GenerateThreadKey()
	keys.Put("9", other)
	_, err = svc.Open(ctx, rec)
	assert.True(t, errs.ErrIntegrity.Is(err))
}

func TestSealValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for name, args := range map[string][3]string{
		"no thread": {"", "alice", "x"},
		"no sender": {"1", "", "x"},
		"no body":   {"1", "alice", ""},
		"too large": {"1", "alice", strings.Repeat("a", MaxBodyBytes+1)},
	} {
		_, err := svc.Seal(ctx, args[0], args[1], "", args[2])
		assert.True(t, errs.ErrValidation.Is(err), name)
	}
}

type failingSink struct{}

func (failingSink) Persist(context.Context, *Record) error { return errors.New("broker down") }

func TestPersistFailureIsStoreUnavailable(t *testing.T) {
	c, _ := security.NewCipher(security.MinIterations)
	svc := NewService(c, storage.NewMemKeyRing(), failingSink{}, nil)
	rec, err := svc.Seal(context.Background(), "1", "a", "", "x")
	require.NoError(t, err)
	err = svc.Persist(context.Background(), rec)
	assert.True(t, errs.ErrStoreUnavailable.Is(err))

	_, err = svc.History(context.Background(), "1", 10)
	assert.True(t, errs.ErrStoreUnavailable.Is(err))
}

func TestMemStoreRecentLimit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Save(ctx, &Record{ID: id, ThreadID: "t"}))
	}
	got, _ := s.Recent(ctx, "t", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
}
