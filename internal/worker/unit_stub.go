//go:build !linux

package worker

import (
	"context"

	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

type UnitWorker struct{}

func NewUnit(context.Context, UnitConfig, logx.Logger) (*UnitWorker, error) {
	return nil, ErrUnsupported
}

func (*UnitWorker) Run(context.Context, jobs.JobKind, jobs.Payload) error { return ErrUnsupported }

func (*UnitWorker) Close() error { return nil }
