// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
)

type fakeWire struct {
	running atomic.Int32
	overlap atomic.Bool
}

func (w *fakeWire) Send(ctx context.Context) (int64, error) {
	if w.running.Add(1) > 1 {
		w.overlap.Store(true)
	}
	time.Sleep(10 * time.Millisecond)
	w.running.Add(-1)
	return 4096, nil
}

func TestWorkerSubmit(t *testing.T) {
	w := NewWorker(1)

	_, err := w.Submit(Job{Path: PathWire})
	assert.True(t, failure.Is(err, failure.Setup, failure.CodeNotConfigured), "err = %v", err)

	w.Wire = &fakeWire{}
	_, err = w.Submit(Job{Path: PathWire})
	require.NoError(t, err)
	_, err = w.Submit(Job{Path: PathWire})
	assert.True(t, failure.Is(err, failure.Transfer, failure.CodeBusy), "err = %v", err)
}

func TestWorkerRunsJobsInOrder(t *testing.T) {
	wire := &fakeWire{}
	flash := newFlash(t, "1.0")
	img := newImage("1.0", 10)

	w := NewWorker(4)
	w.Wire = wire
	w.Receiver = NewReceiver(&chunkSource{chunks: [][]byte{img}}, flash, &fakeRebooter{}, config.OTAConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	r1, err := w.Submit(Job{Path: PathWire})
	require.NoError(t, err)
	r2, err := w.Submit(Job{Path: PathWire})
	require.NoError(t, err)
	r3, err := w.Submit(Job{Path: PathUART})
	require.NoError(t, err)

	for _, ch := range []<-chan Result{r1, r2} {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
			assert.EqualValues(t, 4096, res.Sent)
			assert.Nil(t, res.Session)
		case <-time.After(time.Second):
			t.Fatal("wire job did not finish")
		}
	}
	select {
	case res := <-r3:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Session)
		assert.Equal(t, StateAborted, res.Session.State())
	case <-time.After(5 * time.Second):
		t.Fatal("uart job did not finish")
	}
	assert.False(t, wire.overlap.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
