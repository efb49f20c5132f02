// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"context"
	"log/slog"

	"github.com/ffutop/boardlink/internal/failure"
)

// WireSender reflashes a downstream chip and reports the bytes sent.
type WireSender interface {
	Send(ctx context.Context) (int64, error)
}

// Job is one update operation.
type Job struct {
	Path string // PathUART, PathNetwork or PathWire
	URL  string // PathNetwork only
}

// Result reports a finished job. Session is nil for wire jobs.
type Result struct {
	Job     Job
	Session *Session
	Sent    int64
	Err     error
}

type queuedJob struct {
	job    Job
	result chan<- Result
}

// Worker runs update jobs one after the other so that update paths never
// share the UART or the flash.
type Worker struct {
	Receiver *Receiver
	Fetcher  *Fetcher
	Wire     WireSender

	jobs chan queuedJob
}

// NewWorker creates a Worker queueing up to size jobs.
func NewWorker(size int) *Worker {
	if size <= 0 {
		size = 1
	}
	return &Worker{jobs: make(chan queuedJob, size)}
}

// Submit queues job. The returned channel receives its result once.
func (w *Worker) Submit(job Job) (<-chan Result, error) {
	if w.handler(job.Path) == nil {
		return nil, failure.Newf(failure.Setup, "submit "+job.Path, failure.CodeNotConfigured, "update path %q is not configured", job.Path)
	}
	result := make(chan Result, 1)
	select {
	case w.jobs <- queuedJob{job: job, result: result}:
		slog.Info("Update job queued", "path", job.Path)
		return result, nil
	default:
		return nil, failure.Newf(failure.Transfer, "submit "+job.Path, failure.CodeBusy, "update queue is full")
	}
}

func (w *Worker) handler(path string) func(ctx context.Context, job Job) Result {
	switch {
	case path == PathUART && w.Receiver != nil:
		return func(ctx context.Context, job Job) Result {
			s, err := w.Receiver.Run(ctx)
			return Result{Job: job, Session: s, Err: err}
		}
	case path == PathNetwork && w.Fetcher != nil:
		return func(ctx context.Context, job Job) Result {
			s, err := w.Fetcher.Run(ctx, job.URL)
			return Result{Job: job, Session: s, Err: err}
		}
	case path == PathWire && w.Wire != nil:
		return func(ctx context.Context, job Job) Result {
			n, err := w.Wire.Send(ctx)
			return Result{Job: job, Sent: n, Err: err}
		}
	}
	return nil
}

// Run processes jobs until ctx is done. A started job always runs to its end.
func (w *Worker) Run(ctx context.Context) error {
	slog.Debug("Update worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Update worker stopped")
			return nil
		case q := <-w.jobs:
			res := w.handler(q.job.Path)(context.WithoutCancel(ctx), q.job)
			if res.Err != nil {
				slog.Error("Update job failed", "path", q.job.Path, "code", failure.CodeOf(res.Err), "err", res.Err)
			}
			q.result <- res
		}
	}
}
