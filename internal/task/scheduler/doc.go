// Package scheduler implements jobs.Scheduler on top of the task engine.
//
// The scheduler is responsible only for:
//   - keeping one job per kind (periodic or one-shot)
//   - deciding when a job is eligible (interval, delay, source changes, connectivity)
//   - enqueueing eligible jobs into the task engine
//
// Execution, retries and backoff happen in engine.Service.
package scheduler
