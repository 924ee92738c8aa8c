package metaclient

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hanfei1991/streamplace/pkg/errors"
)

type etcdKVImpl struct {
	cli *clientv3.Client
}

// NewEtcdKV wraps an etcd client into a KV.
func NewEtcdKV(cli *clientv3.Client) KV {
	return &etcdKVImpl{cli: cli}
}

func getEtcdOptions(op Op) []clientv3.OpOption {
	etcdOps := make([]clientv3.OpOption, 0, 2)
	if op.IsOptsWithPrefix() {
		etcdOps = append(etcdOps, clientv3.WithPrefix())
	}
	if op.Limit() > 0 {
		etcdOps = append(etcdOps, clientv3.WithLimit(op.Limit()))
	}
	return etcdOps
}

func (c *etcdKVImpl) Put(ctx context.Context, key, val string) (*PutResponse, error) {
	resp, err := c.cli.Put(ctx, key, val)
	if err != nil {
		return nil, errors.ErrMetaStoreFailed.Wrap(err).GenWithStackByArgs()
	}
	return &PutResponse{
		Header: &ResponseHeader{Revision: resp.Header.Revision},
	}, nil
}

func (c *etcdKVImpl) Get(ctx context.Context, key string, opts ...OpOption) (*GetResponse, error) {
	etcdOpts := append(getEtcdOptions(NewOp(opts...)), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	resp, err := c.cli.Get(ctx, key, etcdOpts...)
	if err != nil {
		return nil, errors.ErrMetaStoreFailed.Wrap(err).GenWithStackByArgs()
	}
	kvs := make([]*KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, &KeyValue{
			Key:         kv.Key,
			Value:       kv.Value,
			ModRevision: kv.ModRevision,
		})
	}
	return &GetResponse{
		Header: &ResponseHeader{Revision: resp.Header.Revision},
		Kvs:    kvs,
	}, nil
}

func (c *etcdKVImpl) Delete(ctx context.Context, key string, opts ...OpOption) (*DeleteResponse, error) {
	resp, err := c.cli.Delete(ctx, key, getEtcdOptions(NewOp(opts...))...)
	if err != nil {
		return nil, errors.ErrMetaStoreFailed.Wrap(err).GenWithStackByArgs()
	}
	return &DeleteResponse{
		Header:  &ResponseHeader{Revision: resp.Header.Revision},
		Deleted: resp.Deleted,
	}, nil
}

func (c *etcdKVImpl) Close() error {
	return c.cli.Close()
}

// NewKV returns the in-memory store when no endpoint is configured and an
// etcd backed store otherwise.
func NewKV(conf *StoreConfig) (KV, error) {
	if len(conf.Endpoints) == 0 {
		return NewMetaMock(), nil
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout.Duration(),
	})
	if err != nil {
		return nil, errors.ErrMetaStoreFailed.Wrap(err).GenWithStackByArgs()
	}
	return NewEtcdKV(cli), nil
}
