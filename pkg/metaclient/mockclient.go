package metaclient

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const mockClusterID = "mock_cluster"

type mockEntry struct {
	value       string
	modRevision int64
}

// MetaMock is an in-memory KV. Every mutation bumps the store revision.
type MetaMock struct {
	sync.Mutex
	store    map[string]mockEntry
	revision int64
}

// NewMetaMock creates an empty in-memory KV.
func NewMetaMock() *MetaMock {
	return &MetaMock{
		store: make(map[string]mockEntry),
	}
}

func (m *MetaMock) header() *ResponseHeader {
	return &ResponseHeader{
		ClusterID: mockClusterID,
		Revision:  m.revision,
	}
}

func (m *MetaMock) Put(ctx context.Context, key, value string) (*PutResponse, error) {
	m.Lock()
	defer m.Unlock()

	m.revision++
	m.store[key] = mockEntry{value: value, modRevision: m.revision}
	return &PutResponse{Header: m.header()}, nil
}

func (m *MetaMock) Get(ctx context.Context, key string, opts ...OpOption) (*GetResponse, error) {
	m.Lock()
	defer m.Unlock()

	op := NewOp(opts...)
	ret := &GetResponse{Header: m.header()}
	for _, k := range m.matchNoLock(key, op) {
		e := m.store[k]
		ret.Kvs = append(ret.Kvs, &KeyValue{
			Key:         []byte(k),
			Value:       []byte(e.value),
			ModRevision: e.modRevision,
		})
		if op.Limit() > 0 && int64(len(ret.Kvs)) >= op.Limit() {
			break
		}
	}
	return ret, nil
}

func (m *MetaMock) Delete(ctx context.Context, key string, opts ...OpOption) (*DeleteResponse, error) {
	m.Lock()
	defer m.Unlock()

	keys := m.matchNoLock(key, NewOp(opts...))
	for _, k := range keys {
		delete(m.store, k)
	}
	if len(keys) > 0 {
		m.revision++
	}
	return &DeleteResponse{Header: m.header(), Deleted: int64(len(keys))}, nil
}

func (m *MetaMock) Close() error {
	return nil
}

// Revision returns the current store revision.
func (m *MetaMock) Revision() int64 {
	m.Lock()
	defer m.Unlock()
	return m.revision
}

func (m *MetaMock) matchNoLock(key string, op Op) []string {
	if !op.IsOptsWithPrefix() {
		if _, ok := m.store[key]; ok {
			return []string{key}
		}
		return nil
	}
	var keys []string
	for k := range m.store {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

var _ KV = (*MetaMock)(nil)
