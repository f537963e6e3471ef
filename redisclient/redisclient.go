// Package redisclient builds the Redis connection shared by the job queue and
// the result store, and classifies connectivity failures.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/isdmx/coderunner/config"
)

// New creates a client from redis.url with the configured pool and timeouts.
// It does not contact the server.
func New(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.MaxRetries != 0 {
		opts.MaxRetries = cfg.Redis.MaxRetries
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout
	}
	if cfg.Redis.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.Redis.ReadTimeout
	}
	if cfg.Redis.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.Redis.WriteTimeout
	}

	return redis.NewClient(opts), nil
}

// IsConnectivityError reports whether err means the server could not be
// reached or the connection broke, as opposed to a command-level failure.
// Dial and read timeouts count; a bare context error from the caller does not.
func IsConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// context.DeadlineExceeded satisfies net.Error itself; only a network
	// error wrapping it counts
	var netErr net.Error
	return errors.As(err, &netErr) && error(netErr) != context.DeadlineExceeded
}
