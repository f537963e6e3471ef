package redisclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/coderunner/config"
)

func TestNew(t *testing.T) {
	t.Run("AppliesPoolSettings", func(t *testing.T) {
		cfg := &config.Config{Redis: config.RedisConfig{
			URL:          "redis://:secret@localhost:6390/2",
			PoolSize:     7,
			MaxRetries:   5,
			DialTimeout:  time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 3 * time.Second,
		}}

		client, err := New(cfg)
		require.NoError(t, err)
		defer client.Close()

		opts := client.Options()
		assert.Equal(t, "localhost:6390", opts.Addr)
		assert.Equal(t, "secret", opts.Password)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 7, opts.PoolSize)
		assert.Equal(t, 5, opts.MaxRetries)
		assert.Equal(t, time.Second, opts.DialTimeout)
		assert.Equal(t, 2*time.Second, opts.ReadTimeout)
		assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	})

	t.Run("InvalidURL", func(t *testing.T) {
		_, err := New(&config.Config{Redis: config.RedisConfig{URL: "http://nope"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid redis url")
	})

	t.Run("Connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := New(&config.Config{Redis: config.RedisConfig{URL: "redis://" + mr.Addr()}})
		require.NoError(t, err)
		defer client.Close()
		require.NoError(t, client.Ping(context.Background()).Err())
	})
}

func TestIsConnectivityError(t *testing.T) {
	assert.False(t, IsConnectivityError(nil))
	assert.False(t, IsConnectivityError(redis.Nil))
	assert.False(t, IsConnectivityError(context.Canceled))
	assert.False(t, IsConnectivityError(context.DeadlineExceeded))
	assert.False(t, IsConnectivityError(fmt.Errorf("pop: %w", context.DeadlineExceeded)))
	assert.False(t, IsConnectivityError(errors.New("WRONGTYPE Operation against a key")))

	assert.True(t, IsConnectivityError(redis.ErrClosed))
	assert.True(t, IsConnectivityError(io.EOF))
	assert.True(t, IsConnectivityError(fmt.Errorf("pop: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsConnectivityError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}))

	t.Run("DialTimeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", "127.0.0.1:6379")
		if conn != nil {
			_ = conn.Close()
		}
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsConnectivityError(err), "got %v", err)
		assert.True(t, IsConnectivityError(fmt.Errorf("pop: %w", err)))
	})

	t.Run("ClosedServer", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		defer client.Close()
		mr.Close()

		err := client.Ping(context.Background()).Err()
		require.Error(t, err)
		assert.True(t, IsConnectivityError(err), "got %v", err)
	})
}
