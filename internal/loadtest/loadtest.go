// Package loadtest provides load generation utilities for drover
// coordinators: status-check handshakes, registration churn, command
// dispatch round-trips, and raw frame throughput.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/transport"
)

// HandshakeMetrics contains metrics from handshake load testing.
type HandshakeMetrics struct {
	TotalHandshakes      int64
	SuccessfulHandshakes int64
	FailedHandshakes     int64
	StatusCounts         map[string]int64
	AvgLatencyMs         float64
	MaxLatencyMs         float64
	MinLatencyMs         float64
	Duration             time.Duration
	HandshakesPerSecond  float64
}

// ChurnMetrics contains metrics from registration churn testing.
type ChurnMetrics struct {
	TotalSessions       int64
	SuccessfulRegisters int64
	FailedRegisters     int64
	TotalDisconnects    int64
	AvgRegisterTimeMs   float64
	AvgDisconnectTimeMs float64
	Duration            time.Duration
	ChurnRate           float64
}

// DispatchMetrics contains metrics from command dispatch load testing.
type DispatchMetrics struct {
	TotalCommands      int64
	SuccessfulCommands int64
	FailedCommands     int64
	TotalOutputBytes   int64
	AvgLatencyMs       float64
	MaxLatencyMs       float64
	MinLatencyMs       float64
	Duration           time.Duration
	CommandsPerSecond  float64
}

// HandshakeFunc performs one handshake against a coordinator and
// returns the credential status it reported.
type HandshakeFunc func(ctx context.Context) (status string, err error)

// HandshakeLoadGenerator drives concurrent coordinator handshakes.
type HandshakeLoadGenerator struct {
	concurrency int
	duration    time.Duration

	metrics HandshakeMetrics
	mu      sync.Mutex
}

// NewHandshakeLoadGenerator creates a new handshake load generator.
func NewHandshakeLoadGenerator(concurrency int, duration time.Duration) *HandshakeLoadGenerator {
	return &HandshakeLoadGenerator{
		concurrency: concurrency,
		duration:    duration,
		metrics: HandshakeMetrics{
			MinLatencyMs: float64(^uint64(0) >> 1), // Max float64
			StatusCounts: make(map[string]int64),
		},
	}
}

// Run executes the handshake load test. Each worker performs full
// handshakes in a loop until the duration elapses.
func (g *HandshakeLoadGenerator) Run(ctx context.Context, handshake HandshakeFunc) (*HandshakeMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, handshake)
		}()
	}

	wg.Wait()
	g.metrics.Duration = time.Since(startTime)

	// Calculate derived metrics
	if g.metrics.Duration > 0 {
		g.metrics.HandshakesPerSecond = float64(g.metrics.SuccessfulHandshakes) / g.metrics.Duration.Seconds()
	}
	if g.metrics.SuccessfulHandshakes > 0 {
		g.metrics.AvgLatencyMs = g.metrics.AvgLatencyMs / float64(g.metrics.SuccessfulHandshakes)
	}

	return &g.metrics, nil
}

func (g *HandshakeLoadGenerator) runWorker(ctx context.Context, handshake HandshakeFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		status, err := handshake(ctx)
		if err != nil {
			atomic.AddInt64(&g.metrics.FailedHandshakes, 1)
			atomic.AddInt64(&g.metrics.TotalHandshakes, 1)
			continue
		}

		latency := float64(time.Since(start).Milliseconds())

		g.mu.Lock()
		g.metrics.AvgLatencyMs += latency
		if latency > g.metrics.MaxLatencyMs {
			g.metrics.MaxLatencyMs = latency
		}
		if latency < g.metrics.MinLatencyMs {
			g.metrics.MinLatencyMs = latency
		}
		g.metrics.StatusCounts[status]++
		g.mu.Unlock()

		atomic.AddInt64(&g.metrics.SuccessfulHandshakes, 1)
		atomic.AddInt64(&g.metrics.TotalHandshakes, 1)
	}
}

// ConnectFunc establishes one registered session and returns a close function.
type ConnectFunc func() (closeFunc func() error, err error)

// RegistrationChurnTester cycles registered sessions to stress session
// setup and teardown on the coordinator.
type RegistrationChurnTester struct {
	concurrency int
	duration    time.Duration
	mu          sync.Mutex
}

// NewRegistrationChurnTester creates a new registration churn tester.
func NewRegistrationChurnTester(concurrency int, duration time.Duration) *RegistrationChurnTester {
	return &RegistrationChurnTester{
		concurrency: concurrency,
		duration:    duration,
	}
}

// Run executes the registration churn test.
func (t *RegistrationChurnTester) Run(ctx context.Context, connectFn ConnectFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	metrics := &ChurnMetrics{}
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runChurnWorker(ctx, connectFn, metrics)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	// Calculate derived metrics
	if metrics.Duration > 0 {
		metrics.ChurnRate = float64(metrics.TotalSessions) / metrics.Duration.Seconds()
	}
	if metrics.SuccessfulRegisters > 0 {
		metrics.AvgRegisterTimeMs = metrics.AvgRegisterTimeMs / float64(metrics.SuccessfulRegisters)
	}
	if metrics.TotalDisconnects > 0 {
		metrics.AvgDisconnectTimeMs = metrics.AvgDisconnectTimeMs / float64(metrics.TotalDisconnects)
	}

	return metrics, nil
}

func (t *RegistrationChurnTester) runChurnWorker(ctx context.Context, connectFn ConnectFunc, metrics *ChurnMetrics) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Register
		registerStart := time.Now()
		closeFunc, err := connectFn()
		registerDuration := time.Since(registerStart)

		atomic.AddInt64(&metrics.TotalSessions, 1)
		if err != nil {
			atomic.AddInt64(&metrics.FailedRegisters, 1)
			continue
		}

		atomic.AddInt64(&metrics.SuccessfulRegisters, 1)
		t.mu.Lock()
		metrics.AvgRegisterTimeMs += float64(registerDuration.Milliseconds())
		t.mu.Unlock()

		// Hold the session briefly so the registry sees it
		time.Sleep(10 * time.Millisecond)

		// Disconnect
		disconnectStart := time.Now()
		if closeFunc != nil {
			closeFunc()
		}
		disconnectDuration := time.Since(disconnectStart)

		atomic.AddInt64(&metrics.TotalDisconnects, 1)
		t.mu.Lock()
		metrics.AvgDisconnectTimeMs += float64(disconnectDuration.Milliseconds())
		t.mu.Unlock()
	}
}

// DispatchFunc runs one command round-trip and returns its output.
type DispatchFunc func(ctx context.Context) (output string, err error)

// DispatchLoadGenerator measures command round-trips through a
// coordinator with registered agents on the far side.
type DispatchLoadGenerator struct {
	concurrency int
	duration    time.Duration

	metrics DispatchMetrics
	mu      sync.Mutex
}

// NewDispatchLoadGenerator creates a new dispatch load generator.
func NewDispatchLoadGenerator(concurrency int, duration time.Duration) *DispatchLoadGenerator {
	return &DispatchLoadGenerator{
		concurrency: concurrency,
		duration:    duration,
		metrics: DispatchMetrics{
			MinLatencyMs: float64(^uint64(0) >> 1), // Max float64
		},
	}
}

// Run executes the dispatch load test.
func (g *DispatchLoadGenerator) Run(ctx context.Context, dispatch DispatchFunc) (*DispatchMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runDispatchWorker(ctx, dispatch)
		}()
	}

	wg.Wait()
	g.metrics.Duration = time.Since(startTime)

	// Calculate derived metrics
	if g.metrics.Duration > 0 {
		g.metrics.CommandsPerSecond = float64(g.metrics.SuccessfulCommands) / g.metrics.Duration.Seconds()
	}
	if g.metrics.SuccessfulCommands > 0 {
		g.metrics.AvgLatencyMs = g.metrics.AvgLatencyMs / float64(g.metrics.SuccessfulCommands)
	}

	return &g.metrics, nil
}

func (g *DispatchLoadGenerator) runDispatchWorker(ctx context.Context, dispatch DispatchFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		output, err := dispatch(ctx)
		if err != nil {
			atomic.AddInt64(&g.metrics.FailedCommands, 1)
			atomic.AddInt64(&g.metrics.TotalCommands, 1)
			continue
		}
		atomic.AddInt64(&g.metrics.TotalOutputBytes, int64(len(output)))

		latency := float64(time.Since(start).Milliseconds())

		g.mu.Lock()
		g.metrics.AvgLatencyMs += latency
		if latency > g.metrics.MaxLatencyMs {
			g.metrics.MaxLatencyMs = latency
		}
		if latency < g.metrics.MinLatencyMs {
			g.metrics.MinLatencyMs = latency
		}
		g.mu.Unlock()

		atomic.AddInt64(&g.metrics.SuccessfulCommands, 1)
		atomic.AddInt64(&g.metrics.TotalCommands, 1)
	}
}

// FrameThroughputTester measures how fast result frames can be pushed
// through a writer, counting the payload plus the length prefix.
type FrameThroughputTester struct {
	duration    time.Duration
	payloadSize int
}

// NewFrameThroughputTester creates a new frame throughput tester.
func NewFrameThroughputTester(duration time.Duration, payloadSize int) *FrameThroughputTester {
	return &FrameThroughputTester{
		duration:    duration,
		payloadSize: payloadSize,
	}
}

// ThroughputMetrics contains frame throughput test results.
type ThroughputMetrics struct {
	TotalFrames     int64
	TotalBytes      int64
	Duration        time.Duration
	FramesPerSecond float64
	ThroughputMBps  float64
}

// Run executes the throughput test, writing result frames until the
// duration elapses.
func (t *FrameThroughputTester) Run(ctx context.Context, w io.Writer) (*ThroughputMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	payload := protocol.EncodeResult(strings.Repeat("a", t.payloadSize), "")
	fw := protocol.NewFrameWriter(w)

	metrics := &ThroughputMetrics{}
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			goto done
		default:
		}

		if err := fw.Write(payload); err != nil {
			break
		}
		metrics.TotalFrames++
		metrics.TotalBytes += int64(len(payload)) + protocol.HeaderSize
	}

done:
	metrics.Duration = time.Since(startTime)
	if metrics.Duration > 0 {
		seconds := metrics.Duration.Seconds()
		metrics.FramesPerSecond = float64(metrics.TotalFrames) / seconds
		metrics.ThroughputMBps = float64(metrics.TotalBytes) / (1024 * 1024) / seconds
	}

	return metrics, nil
}

// StatusCheckFunc returns a HandshakeFunc that dials the coordinator
// and performs one status-check exchange for the endpoint. Status
// checks never file a credential request, so the generator can hammer
// a coordinator without flooding its store.
func StatusCheckFunc(typ transport.Type, addr string, opts transport.Options, endpoint string) HandshakeFunc {
	return func(ctx context.Context) (string, error) {
		nc, err := transport.Dial(ctx, typ, addr, opts)
		if err != nil {
			return "", err
		}
		defer nc.Close()

		if deadline, ok := ctx.Deadline(); ok {
			nc.SetDeadline(deadline)
		}

		conn := protocol.NewConn(nc)
		if err := conn.WriteMessage(protocol.EncodeStatusCheck(endpoint)); err != nil {
			return "", err
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		status, _, ok := msg.TokenStatus()
		if !ok {
			return "", fmt.Errorf("unexpected reply %q", msg.Tag)
		}
		return status, nil
	}
}

// RegisterFunc returns a ConnectFunc that dials the coordinator and
// registers with an approved credential. Endpoint ids and secrets are
// drawn from next so concurrent workers do not collide.
func RegisterFunc(typ transport.Type, addr string, opts transport.Options, next func() (endpoint, secret string)) ConnectFunc {
	return func() (func() error, error) {
		endpoint, secret := next()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		nc, err := transport.Dial(ctx, typ, addr, opts)
		if err != nil {
			return nil, err
		}

		nc.SetDeadline(time.Now().Add(10 * time.Second))
		conn := protocol.NewConn(nc)
		if err := conn.WriteMessage(protocol.EncodeRegister(endpoint, secret)); err != nil {
			conn.Close()
			return nil, err
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, err
		}
		status, _, ok := msg.TokenStatus()
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("unexpected reply %q", msg.Tag)
		}
		if status != protocol.StatusApproved {
			conn.Close()
			return nil, fmt.Errorf("registration refused: %s", status)
		}

		// The session stays open until closeFunc runs.
		nc.SetDeadline(time.Time{})
		return conn.Close, nil
	}
}
