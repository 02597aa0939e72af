package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/uart-probe/internal/config"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/hardware"
	"github.com/wfunc/uart-probe/internal/protocol"
)

// scriptedInput 按顺序返回预设输入，结束后返回ErrInputClosed
type scriptedInput struct {
	lines []string
	next  int
}

func (s *scriptedInput) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.next >= len(s.lines) {
		return "", apperrors.New(apperrors.ErrInputClosed)
	}
	line := s.lines[s.next]
	s.next++
	return line, nil
}

// blockingInput 一直等待直到ctx取消
type blockingInput struct{}

func (blockingInput) ReadLine(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// countingIndicator 统计闪烁次数
type countingIndicator struct {
	pulses atomic.Int64
}

func (c *countingIndicator) Pulse(count int) {
	c.pulses.Add(int64(count))
}

// syncBuffer 并发安全的输出缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testTiming() config.ProbeConfig {
	return config.ProbeConfig{
		DefaultTimeout:    50 * time.Millisecond,
		SequenceDelay:     time.Millisecond,
		ContinuousTimeout: 20 * time.Millisecond,
		ContinuousDelay:   time.Millisecond,
		ExitToken:         "q",
	}
}

func newTestOrchestrator(t *testing.T, peerOpts []hardware.MockOption, opts ...Option) (*Orchestrator, *hardware.MockPeripheral, *hardware.SerialTransport) {
	t.Helper()

	peerOpts = append([]hardware.MockOption{hardware.WithReadTimeout(time.Millisecond)}, peerOpts...)
	peer := hardware.NewMockPeripheral(peerOpts...)
	tr := hardware.NewSerialTransport("mock", peer, nil)
	t.Cleanup(func() { _ = tr.Close() })

	client := protocol.NewClient(tr, protocol.WithPollInterval(time.Millisecond))
	opts = append([]Option{WithTiming(testTiming())}, opts...)
	return NewOrchestrator(client, opts...), peer, tr
}

func TestOrchestrator_RunSequence_AllAcknowledged(t *testing.T) {
	ind := &countingIndicator{}
	orch, peer, _ := newTestOrchestrator(t, nil, WithIndicator(ind))

	report, err := orch.RunSequence(context.Background(), nil)
	require.NoError(t, err)

	steps := protocol.DefaultSequence()
	require.Len(t, report.Records, len(steps))
	for i, step := range steps {
		assert.Equal(t, step.Command, report.Records[i].Command)
	}
	assert.Equal(t, len(steps), report.Stats.Attempts)
	assert.Equal(t, 1.0, report.Stats.SuccessRate())
	assert.True(t, report.AllAcknowledged())
	assert.False(t, report.Canceled)
	assert.Equal(t, int64(len(steps)), ind.pulses.Load())
	assert.Equal(t, len(steps), peer.Commands())
	assert.Equal(t, StateIdle, orch.State())
}

func TestOrchestrator_RunSequence_NoEarlyAbort(t *testing.T) {
	ind := &countingIndicator{}
	responder := hardware.ScriptResponder([]byte{hardware.AckByte}, nil, []byte{0x55}, []byte{hardware.AckByte})
	orch, _, _ := newTestOrchestrator(t, []hardware.MockOption{hardware.WithResponder(responder)}, WithIndicator(ind))

	steps := []protocol.Step{
		{Command: 0x01, Description: "a"},
		{Command: 0x02, Description: "b"},
		{Command: 0x03, Description: "c"},
		{Command: 0x04, Description: "d"},
	}

	report, err := orch.RunSequence(context.Background(), steps)
	require.NoError(t, err)

	require.Len(t, report.Records, 4)
	assert.Equal(t, protocol.Acknowledged, report.Records[0].Outcome.Kind)
	assert.Equal(t, protocol.TimedOut, report.Records[1].Outcome.Kind)
	assert.Equal(t, protocol.Unexpected, report.Records[2].Outcome.Kind)
	assert.Equal(t, byte(0x55), report.Records[2].Outcome.Reply)
	assert.Equal(t, protocol.Acknowledged, report.Records[3].Outcome.Kind)

	assert.Equal(t, 0.5, report.Stats.SuccessRate())
	assert.Equal(t, 1, report.Stats.TimedOut)
	assert.Equal(t, 1, report.Stats.Unexpected)
	assert.False(t, report.AllAcknowledged())
	assert.Equal(t, int64(2), ind.pulses.Load())
}

func TestOrchestrator_RunContinuous_ErrorRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen int
	stopAfter := func(Mode, protocol.ExchangeRecord) {
		seen++
		if seen == 30 {
			cancel()
		}
	}

	responder := hardware.FailEveryResponder(15, hardware.AckByte)
	ind := &countingIndicator{}
	orch, _, _ := newTestOrchestrator(t,
		[]hardware.MockOption{hardware.WithResponder(responder)},
		WithObserver(stopAfter), WithIndicator(ind))

	report, err := orch.RunContinuous(ctx)
	require.NoError(t, err)

	assert.True(t, report.Canceled)
	assert.Equal(t, 10, report.Cycles)
	assert.Equal(t, 30, report.Stats.Attempts)
	assert.Equal(t, 2, report.Stats.Errors())
	assert.Equal(t, 2, report.Stats.TimedOut)
	assert.InDelta(t, 2.0/30.0, report.Stats.ErrorRate(), 1e-9)
	assert.InDelta(t, float64(report.Stats.Errors())/float64(report.Cycles*3), report.Stats.ErrorRate(), 1e-9)
	assert.Zero(t, ind.pulses.Load())
	assert.Equal(t, StateIdle, orch.State())
}

func TestOrchestrator_RunContinuous_CancelDuringExchange(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t,
		[]hardware.MockOption{hardware.WithReplyDelay(40 * time.Millisecond)},
		WithTiming(config.ProbeConfig{ContinuousTimeout: 200 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	report, err := orch.RunContinuous(ctx)
	require.NoError(t, err)

	assert.True(t, report.Canceled)
	require.Len(t, report.Records, 1)
	assert.Equal(t, protocol.Acknowledged, report.Records[0].Outcome.Kind)
	assert.Equal(t, 1, report.Stats.Attempts)
	assert.Zero(t, report.Cycles)
}

func TestOrchestrator_RunInteractive(t *testing.T) {
	out := &syncBuffer{}
	ind := &countingIndicator{}
	orch, peer, _ := newTestOrchestrator(t, nil, WithOutput(out), WithIndicator(ind))

	input := &scriptedInput{lines: []string{"0x10", "300", "abc", "", "1", "Q", "0x20"}}
	report, err := orch.RunInteractive(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x10, 0x01}, peer.Written())
	assert.Equal(t, 2, report.Stats.Attempts)
	assert.Equal(t, 2, report.Stats.Acknowledged)
	assert.False(t, report.Canceled)
	assert.Equal(t, 6, input.next, "exit token stops reading")
	assert.Equal(t, int64(2), ind.pulses.Load())
	assert.Contains(t, out.String(), "输入无效")
}

func TestOrchestrator_RunInteractive_DistinctFailureText(t *testing.T) {
	out := &syncBuffer{}
	responder := hardware.ScriptResponder([]byte{0x42}, nil)
	orch, _, _ := newTestOrchestrator(t, []hardware.MockOption{hardware.WithResponder(responder)}, WithOutput(out))

	report, err := orch.RunInteractive(context.Background(), &scriptedInput{lines: []string{"1", "2", "q"}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.Unexpected)
	assert.Equal(t, 1, report.Stats.TimedOut)
	assert.Contains(t, out.String(), "意外应答: 0x42")
	assert.Contains(t, out.String(), "超时无应答")
}

func TestOrchestrator_RunInteractive_InputClosed(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)

	report, err := orch.RunInteractive(context.Background(), &scriptedInput{lines: []string{"0x01"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Attempts)
	assert.False(t, report.Canceled)
	assert.Equal(t, StateIdle, orch.State())
}

func TestOrchestrator_RunInteractive_CancelWhileWaiting(t *testing.T) {
	orch, peer, _ := newTestOrchestrator(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := orch.RunInteractive(ctx, blockingInput{})
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Zero(t, report.Stats.Attempts)
	assert.Zero(t, peer.Commands())
}

func TestOrchestrator_RunInteractive_RequiresInput(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)

	_, err := orch.Run(context.Background(), ModeInteractive, RunInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))
	assert.Equal(t, StateIdle, orch.State())
}

func TestOrchestrator_LinkErrorAbortsMode(t *testing.T) {
	orch, _, tr := newTestOrchestrator(t, nil)
	require.NoError(t, tr.Close())

	report, err := orch.RunSequence(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsLinkError(err))
	require.NotNil(t, report)
	assert.Zero(t, report.Stats.Attempts)
	assert.Equal(t, StateIdle, orch.State())
}

func TestOrchestrator_UnknownMode(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)

	_, err := orch.Run(context.Background(), Mode("burst"), RunInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))
}

func TestOrchestrator_TerminateWhenIdle(t *testing.T) {
	var changes []State
	orch, _, _ := newTestOrchestrator(t, nil, WithStateListener(func(_, to State) {
		changes = append(changes, to)
	}))

	orch.Terminate()
	assert.Equal(t, StateTerminated, orch.State())
	assert.Equal(t, []State{StateTerminated}, changes)

	_, err := orch.RunSequence(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidState))
}

func TestOrchestrator_StateListenerCanReadSnapshot(t *testing.T) {
	var (
		orch *Orchestrator
		seen [][2]State
	)
	orch, _, _ = newTestOrchestrator(t, nil, WithStateListener(func(_, to State) {
		seen = append(seen, [2]State{to, orch.Snapshot().State})
	}))

	done := make(chan error, 1)
	go func() {
		_, err := orch.RunSequence(context.Background(), nil)
		if err == nil {
			orch.Terminate()
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("state listener blocked the orchestrator")
	}

	assert.Equal(t, [][2]State{
		{StateRunningSequence, StateRunningSequence},
		{StateIdle, StateIdle},
		{StateTerminated, StateTerminated},
	}, seen)
}

func TestOrchestrator_TerminateWhileRunning(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := orch.RunContinuous(context.Background())
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool {
		s := orch.Snapshot()
		return s.State == StateRunningContinuous && s.Report != nil && s.Report.Stats.Attempts > 3
	}, time.Second, time.Millisecond)

	orch.Terminate()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.True(t, res.report.Canceled)
		assert.Equal(t, StateTerminated, orch.State())
	case <-time.After(time.Second):
		t.Fatal("continuous mode did not stop after Terminate")
	}
}

func TestOrchestrator_Snapshot(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)

	status := orch.Snapshot()
	assert.Equal(t, StateIdle, status.State)
	assert.Nil(t, status.Report)

	report, err := orch.RunSequence(context.Background(), nil)
	require.NoError(t, err)

	status = orch.Snapshot()
	require.NotNil(t, status.Report)
	assert.Equal(t, report.SessionID, status.Report.SessionID)
	assert.Equal(t, report.Stats, status.Report.Stats)
	assert.Nil(t, status.Report.Records)
	assert.Zero(t, status.ErrorRate)
}

func TestOrchestrator_UpdateTiming(t *testing.T) {
	orch, peer, _ := newTestOrchestrator(t, nil)
	assert.Equal(t, "q", orch.ExitToken())

	orch.UpdateTiming(config.ProbeConfig{ExitToken: "exit"})
	assert.Equal(t, "exit", orch.ExitToken())

	report, err := orch.RunInteractive(context.Background(), &scriptedInput{lines: []string{"q", "0x04", "EXIT", "0x05"}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04}, peer.Written())
	assert.Equal(t, 1, report.Stats.Attempts)
}

func TestOrchestrator_RecordLimit(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil, WithRecordLimit(3))

	report, err := orch.RunSequence(context.Background(), nil)
	require.NoError(t, err)

	assert.Len(t, report.Records, 3)
	assert.Equal(t, 5, report.Dropped)
	assert.Equal(t, 8, report.Stats.Attempts)
	assert.Equal(t, protocol.CmdClearAll, report.Records[2].Command)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input string
		want  Mode
		ok    bool
	}{
		{"1", ModeSequence, true},
		{"sequence", ModeSequence, true},
		{" 2 ", ModeInteractive, true},
		{"Continuous", ModeContinuous, true},
		{"4", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if !tt.ok {
			assert.Error(t, err, tt.input)
			continue
		}
		assert.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}
}
