// Package etcd wraps the etcd v3 client for the config store: a typed
// initial read plus a watch stream of full-document replacements.
package etcd

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fd1az/price-indexer/internal/apperror"
)

const meterName = "github.com/fd1az/price-indexer/internal/etcd"

// Client is a lazy wrapper around an etcd client that can be shared across
// tasks. The underlying connection is established on first use.
type Client struct {
	endpoint string

	mu  sync.Mutex
	cli *clientv3.Client
}

// NewClient creates a client for the given endpoint. No connection is made
// until the first call.
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint}
}

func (c *Client) conn(ctx context.Context) (*clientv3.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil {
		return c.cli, nil
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{c.endpoint},
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		return nil, apperror.New(apperror.CodeEtcdConnectionFailed,
			apperror.WithCause(err),
			apperror.WithContext(c.endpoint))
	}
	c.cli = cli
	return cli, nil
}

// GetRaw returns the current value of key. A missing key is an error: the
// document is mandatory at startup.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, error) {
	cli, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := cli.Get(ctx, key)
	if err != nil {
		return nil, apperror.New(apperror.CodeEtcdConnectionFailed,
			apperror.WithCause(err),
			apperror.WithContext("get "+key))
	}
	if len(resp.Kvs) == 0 {
		return nil, apperror.New(apperror.CodeConfigKeyNotFound,
			apperror.WithContext(key))
	}
	return resp.Kvs[0].Value, nil
}

// Get reads key and unmarshals its JSON value into M.
func Get[M any](ctx context.Context, c *Client, key string) (M, error) {
	var m M
	raw, err := c.GetRaw(ctx, key)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, apperror.New(apperror.CodeInvalidFormat,
			apperror.WithCause(err),
			apperror.WithContext("decode "+key))
	}
	return m, nil
}

// Watch opens a watch stream on key. Each event carries the full replaced
// document, not a diff.
func (c *Client) Watch(ctx context.Context, key string) (clientv3.WatchChan, error) {
	cli, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	return cli.Watch(ctx, key), nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil
	}
	err := c.cli.Close()
	c.cli = nil
	return err
}
