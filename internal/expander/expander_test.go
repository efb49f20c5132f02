// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package expander

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/module"
	"github.com/ffutop/boardlink/line"
	"github.com/ffutop/boardlink/line/bus"
	"github.com/ffutop/boardlink/transport"
	"github.com/ffutop/boardlink/transport/uart"
)

// fakeLine queues framed lines (without terminator) and records writes.
type fakeLine struct {
	lines       [][]byte
	written     []string
	deinstalled int
}

func (f *fakeLine) EnableLineDetection()   {}
func (f *fakeLine) HasBufferedLines() bool { return len(f.lines) > 0 }

func (f *fakeLine) next() []byte {
	l := f.lines[0]
	f.lines = f.lines[1:]
	return l
}

func (f *fakeLine) ReadLine(p []byte) (int, error) {
	payload, err := line.Verify(f.next())
	if err != nil {
		return 0, err
	}
	return copy(p, payload), nil
}

func (f *fakeLine) ReadRawLine(p []byte) (int, error) {
	return copy(p, line.Strip(f.next())), nil
}

func (f *fakeLine) WriteCheckedLine(msg []byte) error {
	f.written = append(f.written, string(msg))
	return nil
}

func (f *fakeLine) Deinstall() error {
	f.deinstalled++
	return nil
}

func checked(msg string) []byte {
	framed := line.Append(nil, []byte(msg))
	return framed[:len(framed)-1]
}

type message struct {
	source    string
	msg       string
	keepAlive bool
}

type recorder struct {
	messages []message
}

func (r *recorder) handle(source, msg string, keepAlive bool) {
	r.messages = append(r.messages, message{source, msg, keepAlive})
}

func TestExpanderBootAndStep(t *testing.T) {
	l := &fakeLine{lines: [][]byte{
		[]byte("ESP-ROM:esp32"),
		[]byte("\x00Ready."),
		checked("!!core.keep_alive()"),
		checked("temperature 21.5"),
		[]byte("corrupt@00"),
	}}
	rec := &recorder{}

	e, err := New("p0", l, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, "p0", e.Name())
	require.Len(t, l.lines, 3)

	// One line per step.
	e.Step(context.Background())
	require.Len(t, rec.messages, 1)
	assert.Equal(t, message{"p0", "core.keep_alive()", true}, rec.messages[0])
	assert.Len(t, l.lines, 2)

	e.Step(context.Background())
	e.Step(context.Background())
	assert.Len(t, rec.messages, 1)
	assert.Empty(t, l.lines)
}

func TestExpanderBootTimeout(t *testing.T) {
	l := &fakeLine{lines: [][]byte{[]byte("booting...")}}

	start := time.Now()
	_, err := New("p0", l, nil, WithBootTimeout(30*time.Millisecond))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Setup, failure.CodeBootTimeout), "err = %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, l.deinstalled)
}

func TestExpanderCalls(t *testing.T) {
	l := &fakeLine{lines: [][]byte{[]byte("Ready.")}}
	e, err := New("p0", l, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.Call(ctx, "led", []module.Value{module.Bool(true), module.Int(3), module.String("on")}))
	require.NoError(t, e.Call(ctx, "run", []module.Value{module.String("m.speed = 2")}))
	assert.Error(t, e.Call(ctx, "run", []module.Value{module.Int(1)}))
	assert.Equal(t, []string{`core.led(true, 3, "on")`, "m.speed = 2"}, l.written)

	require.NoError(t, e.Call(ctx, "disconnect", nil))
	assert.Equal(t, 1, l.deinstalled)

	err = e.Call(ctx, "led", nil)
	assert.True(t, failure.Is(err, failure.Setup, failure.CodeChannelClosed), "err = %v", err)
	require.NoError(t, e.Close())
	assert.Equal(t, 1, l.deinstalled)
}

func TestCallTarget(t *testing.T) {
	l := &fakeLine{lines: [][]byte{[]byte("Ready.")}}
	e, err := New("p0", l, nil, WithCallTarget("plexus"))
	require.NoError(t, err)

	require.NoError(t, e.Call(context.Background(), "restart", nil))
	assert.Equal(t, []string{"plexus.restart()"}, l.written)
}

// busChannel is the shared wire under a bus.
type busChannel struct {
	fakeLine
}

func (b *busChannel) ReadUncheckedLine(p []byte) (int, error) {
	return copy(p, b.next()), nil
}

func TestExternalExpanderAddressing(t *testing.T) {
	ch := &busChannel{}
	ch.lines = [][]byte{
		checked("3:Ready."),
		checked("5:Ready."),
	}
	b := bus.New("rs485", ch, false)
	ep3, err := b.Endpoint(3)
	require.NoError(t, err)
	ep5, err := b.Endpoint(5)
	require.NoError(t, err)

	rec3, rec5 := &recorder{}, &recorder{}
	x3 := NewExternal("x3", ep3, rec3.handle, WithBootTimeout(50*time.Millisecond))
	x5 := NewExternal("x5", ep5, rec5.handle, WithBootTimeout(50*time.Millisecond))

	ch.lines = append(ch.lines,
		checked("3:!!ping"),
		checked("3:!!pong"),
		checked("3:hello"),
	)
	x5.Step(context.Background())
	assert.Empty(t, rec5.messages)

	x3.Step(context.Background())
	assert.Equal(t, []message{
		{"x3", "ping", false},
		{"x3", "pong", false},
	}, rec3.messages)
	assert.Empty(t, rec5.messages)

	require.NoError(t, x3.Call(context.Background(), "led", []module.Value{module.Bool(false)}))
	assert.Equal(t, []string{"3:core.led(false)"}, ch.written)

	// The shared channel is released with the last peer.
	require.NoError(t, x3.Call(context.Background(), "disconnect", nil))
	assert.Equal(t, 0, ch.deinstalled)
	require.NoError(t, x5.Close())
	assert.Equal(t, 1, ch.deinstalled)
}

func TestExternalExpanderBootTimeoutOnlyWarns(t *testing.T) {
	ch := &busChannel{}
	b := bus.New("rs485", ch, true)
	ep, err := b.Endpoint(0x1a)
	require.NoError(t, err)

	x := NewExternal("x1a", ep, nil, WithBootTimeout(20*time.Millisecond))
	require.NotNil(t, x)

	require.NoError(t, x.Call(context.Background(), "run", []module.Value{module.String("core.info()")}))
	assert.Equal(t, []string{"1a:core.info()"}, ch.written)
}

// wirePort is a serial port fed from a channel, as seen by uart.Channel.
type wirePort struct {
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newWirePort() *wirePort {
	return &wirePort{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (w *wirePort) Read(p []byte) (int, error) {
	select {
	case b := <-w.in:
		return copy(p, b), nil
	case <-w.done:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (w *wirePort) Write(p []byte) (int, error) { return len(p), nil }

func (w *wirePort) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

func TestExternalExpanderOverSerialChannel(t *testing.T) {
	port := newWirePort()
	cfg := config.ChannelConfig{Name: "rs485", Serial: config.SerialConfig{Device: "/dev/ttyBUS0"}}
	ch, err := uart.Open(cfg, uart.WithRegistry(uart.NewRegistry()), uart.WithOpener(func(config.SerialConfig) (transport.Port, error) {
		return port, nil
	}))
	require.NoError(t, err)

	port.in <- line.Append(nil, []byte("3:Ready."))
	b := bus.New("rs485", ch, false)
	ep, err := b.Endpoint(3)
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		rec recorder
	)
	x := NewExternal("plexus", ep, func(source, msg string, keepAlive bool) {
		mu.Lock()
		defer mu.Unlock()
		rec.handle(source, msg, keepAlive)
	}, WithBootTimeout(time.Second))

	port.in <- []byte("3:!!bad@00\n")
	port.in <- line.Append(nil, []byte("4:!!other"))
	port.in <- line.Append(nil, []byte("3:!!ping"))

	assert.Eventually(t, func() bool {
		x.Step(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return len(rec.messages) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []message{{"plexus", "ping", false}}, rec.messages)
	mu.Unlock()

	require.NoError(t, x.Close())
	_, err = ch.Write([]byte("x"))
	assert.Error(t, err, "channel still installed after the last peer left")
}
