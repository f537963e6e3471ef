// Package worker implements the admission-controlled queue consumer.
//
// Each cycle asks the sandbox runtime how many sandboxes carrying the
// worker's marker label are alive. At or above the ceiling the consumer
// backs off without touching the queue; otherwise it pops one job, hands it
// to the executor and publishes exactly one result. Connectivity failures
// against Redis back off longer than other errors, and neither ends the loop.
//
// With worker.parallel above one, up to that many jobs are supervised at
// once. Admission then also counts jobs whose sandbox has not been created
// yet, so the ceiling holds while launches are in progress.
package worker
