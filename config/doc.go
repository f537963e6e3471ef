// Package config provides application configuration management.
//
// The config package loads the worker configuration from an optional YAML
// file, environment variables (prefixed CODERUNNER_, with REDIS_URL accepted
// for redis.url) and a .env file. It covers admission control, sandbox
// limits, the Redis connection, logging and the optional MCP admin server.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Max concurrent sandboxes: %d\n", cfg.Worker.MaxConcurrent)
package config
