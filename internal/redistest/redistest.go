// Package redistest provides an in-memory stand-in for the handful of
// go-redis commands the engine issues. TTLs are ignored.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publication is one PUBLISH seen by the fake.
type Publication struct {
	Channel string
	Payload string
}

// Client implements GET, SET, DEL, SETNX, PUBLISH and the compare-and-delete
// unlock script. Any other command panics on the nil embedded client.
type Client struct {
	redis.UniversalClient

	mu        sync.Mutex
	data      map[string]string
	published []Publication
	err       error
}

func New() *Client {
	return &Client{data: make(map[string]string)}
}

// FailWith makes every command return err until called with nil.
func (c *Client) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Has reports whether key is set.
func (c *Client) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// Put sets key directly, bypassing FailWith.
func (c *Client) Put(key, value string) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

// Published returns a copy of every publication so far.
func (c *Client) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}

func (c *Client) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewStringResult("", c.err)
	}
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (c *Client) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewStatusResult("", c.err)
	}
	c.data[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (c *Client) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewBoolResult(false, c.err)
	}
	if _, ok := c.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	c.data[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (c *Client) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewIntResult(0, c.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := c.data[k]; ok {
			delete(c.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// EvalSha runs the compare-and-delete unlock: KEYS[1] is deleted when it
// still holds ARGV[1].
func (c *Client) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewCmdResult(nil, c.err)
	}
	if len(keys) == 1 && len(args) == 1 && c.data[keys[0]] == toString(args[0]) {
		delete(c.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (c *Client) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewIntResult(0, c.err)
	}
	c.published = append(c.published, Publication{Channel: channel, Payload: toString(message)})
	return redis.NewIntResult(0, nil)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
