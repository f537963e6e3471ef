// Package store publishes job results.
//
// Each job gets exactly one JSON record at result:<jobId>, written with
// SET ... EX so the 600 second expiry is applied atomically with the value.
//
// Usage:
//
//	publisher := store.NewPublisher(logger, store.NewRedisStore(client))
//	result, err := publisher.Publish(ctx, j.JobID, outcome)
package store
