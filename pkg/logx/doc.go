// Package logx is smsbackup's structured logging: a small Logger wrapper over
// zerolog whose sinks (console, JSON file, systemd journal) can be swapped at
// runtime by a Service. Sampler bounds bursty warnings.
package logx
