// Package storage persists scheduled job descriptors so they survive a
// restart, plus an append-only history of job runs.
package storage
