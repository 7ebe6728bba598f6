package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeCidIsDeterministic(t *testing.T) {
	a, err := ComputeCid([]byte("receipt-bytes"))
	require.NoError(t, err)
	b, err := ComputeCid([]byte("receipt-bytes"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ComputeCid([]byte("different-bytes"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestMemStorePutGet(t *testing.T) {
	store := NewMemStore()
	cid, err := store.Put(KindReceipt, []byte("hello"))
	require.NoError(t, err)
	require.True(t, store.Has(cid))

	block, err := store.Get(cid)
	require.NoError(t, err)
	require.Equal(t, KindReceipt, block.Kind)
	require.Equal(t, []byte("hello"), block.Data)
}

func TestMemStoreGetMissing(t *testing.T) {
	store := NewMemStore()
	_, err := store.Get(Cid("nope"))
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestMemStorePutIsIdempotent(t *testing.T) {
	store := NewMemStore()
	cid1, err := store.Put(KindReceipt, []byte("same"))
	require.NoError(t, err)
	cid2, err := store.Put(KindReceipt, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, cid1, cid2)
}

func TestMemJobIndexIndexReceiptIdempotent(t *testing.T) {
	idx := NewMemJobIndex()
	cid := Cid("cid-1")
	require.NoError(t, idx.IndexReceipt("job-1", cid))
	require.NoError(t, idx.IndexReceipt("job-1", cid)) // re-anchoring is a no-op

	got, ok := idx.ReceiptFor("job-1")
	require.True(t, ok)
	require.Equal(t, cid, got)
}

func TestMemJobIndexRejectsConflictingReceipt(t *testing.T) {
	idx := NewMemJobIndex()
	require.NoError(t, idx.IndexReceipt("job-1", Cid("cid-1")))
	err := idx.IndexReceipt("job-1", Cid("cid-2"))
	require.Error(t, err)
}

func TestJobIndexMissing(t *testing.T) {
	idx := NewMemJobIndex()
	_, ok := idx.ReceiptFor("no-such-job")
	require.False(t, ok)
}
