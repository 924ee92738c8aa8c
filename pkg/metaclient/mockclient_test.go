package metaclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaMockPutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMetaMock()

	_, err := m.Put(ctx, "/a/2", "v2")
	require.NoError(t, err)
	_, err = m.Put(ctx, "/a/1", "v1")
	require.NoError(t, err)
	_, err = m.Put(ctx, "/b/1", "w1")
	require.NoError(t, err)
	require.Equal(t, int64(3), m.Revision())

	resp, err := m.Get(ctx, "/a/1")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	require.Equal(t, "v1", string(resp.Kvs[0].Value))
	require.Equal(t, int64(2), resp.Kvs[0].ModRevision)

	resp, err = m.Get(ctx, "/a/", WithPrefix())
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 2)
	require.Equal(t, "/a/1", string(resp.Kvs[0].Key))
	require.Equal(t, "/a/2", string(resp.Kvs[1].Key))

	resp, err = m.Get(ctx, "/a/", WithPrefix(), WithLimit(1))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)

	resp, err = m.Get(ctx, "/a/")
	require.NoError(t, err)
	require.Empty(t, resp.Kvs)

	del, err := m.Delete(ctx, "/a/", WithPrefix())
	require.NoError(t, err)
	require.Equal(t, int64(2), del.Deleted)
	require.Equal(t, int64(4), m.Revision())

	// deleting nothing does not bump the revision
	_, err = m.Delete(ctx, "/a/1")
	require.NoError(t, err)
	require.Equal(t, int64(4), m.Revision())
	require.NoError(t, m.Close())
}

func TestKeyAdapter(t *testing.T) {
	t.Parallel()

	a := NewKeyAdapter("/streamplace", "plan")
	key := a.Encode("1/2")
	require.Equal(t, "/streamplace/plan/312f32", key)

	id, ok := a.Decode(key)
	require.True(t, ok)
	require.Equal(t, "1/2", id)

	_, ok = a.Decode("/other/312f32")
	require.False(t, ok)
	_, ok = a.Decode(a.Prefix() + "zz")
	require.False(t, ok)
}

func TestNewKVInMemory(t *testing.T) {
	t.Parallel()

	conf := &StoreConfig{}
	conf.Adjust()
	require.Equal(t, "/streamplace", conf.KeyPrefix)
	kv, err := NewKV(conf)
	require.NoError(t, err)
	_, ok := kv.(*MetaMock)
	require.True(t, ok)
}
