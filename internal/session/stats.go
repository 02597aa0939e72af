package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/uart-probe/internal/protocol"
)

// Stats 会话统计，每次进入模式时重置
type Stats struct {
	Attempts     int `json:"attempts"`
	Acknowledged int `json:"acknowledged"`
	TimedOut     int `json:"timed_out"`
	Unexpected   int `json:"unexpected"`
}

// Record 累计一次交换结果
func (s *Stats) Record(outcome protocol.Outcome) {
	s.Attempts++
	switch outcome.Kind {
	case protocol.Acknowledged:
		s.Acknowledged++
	case protocol.TimedOut:
		s.TimedOut++
	case protocol.Unexpected:
		s.Unexpected++
	}
}

// Errors 未确认的交换数（超时 + 意外应答）
func (s Stats) Errors() int {
	return s.TimedOut + s.Unexpected
}

// ErrorRate 错误率，无交换时为0
func (s Stats) ErrorRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Errors()) / float64(s.Attempts)
}

// SuccessRate 成功率，无交换时为0
func (s Stats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Acknowledged) / float64(s.Attempts)
}

// Report 一次模式运行的结果
type Report struct {
	SessionID  string                    `json:"session_id"`
	Mode       Mode                      `json:"mode"`
	Stats      Stats                     `json:"stats"`
	Cycles     int                       `json:"cycles,omitempty"`
	Records    []protocol.ExchangeRecord `json:"records"`
	Dropped    int                       `json:"dropped_records,omitempty"` // 超出记录上限被丢弃的旧记录数
	Canceled   bool                      `json:"canceled"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}

func newReport(mode Mode) *Report {
	return &Report{
		SessionID: uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

// add 记录交换，超过limit时丢弃最旧的记录（统计不受影响）
func (r *Report) add(record protocol.ExchangeRecord, limit int) {
	r.Stats.Record(record.Outcome)
	r.Records = append(r.Records, record)
	if limit > 0 && len(r.Records) > limit {
		over := len(r.Records) - limit
		r.Records = append(r.Records[:0], r.Records[over:]...)
		r.Dropped += over
	}
}

// AllAcknowledged 是否所有交换均被确认
func (r *Report) AllAcknowledged() bool {
	return r.Stats.Attempts > 0 && r.Stats.Acknowledged == r.Stats.Attempts
}

// Duration 运行时长
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary 结果摘要
func (r *Report) Summary() string {
	var b strings.Builder
	s := r.Stats

	switch r.Mode {
	case ModeSequence:
		fmt.Fprintf(&b, "测试完成: %d/%d 成功", s.Acknowledged, s.Attempts)
		if r.AllAcknowledged() {
			b.WriteString("，全部通过")
		}
	case ModeContinuous:
		fmt.Fprintf(&b, "测试周期: %d, 交换: %d, 错误: %d, 错误率: %.2f%%",
			r.Cycles, s.Attempts, s.Errors(), s.ErrorRate()*100)
	default:
		fmt.Fprintf(&b, "交换: %d, 确认: %d, 超时: %d, 意外应答: %d",
			s.Attempts, s.Acknowledged, s.TimedOut, s.Unexpected)
	}

	if r.Canceled {
		b.WriteString(" (已中断)")
	}
	return b.String()
}

// clone 复制统计字段，不含记录
func (r *Report) clone() *Report {
	c := *r
	c.Records = nil
	return &c
}
