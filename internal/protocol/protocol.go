// Package protocol 实现单字节命令/单字节应答协议。
//
// 主机发送一个命令字节，外设须在超时内回复确认字节0xAA。
// 每次交换恰好产生一个结果：已确认、意外应答或超时。
package protocol

import (
	"fmt"
	"time"

	"github.com/wfunc/uart-probe/internal/hardware"
)

// AckByte 确认字节
const AckByte = hardware.AckByte

// 默认参数
const (
	DefaultTimeout      = 100 * time.Millisecond
	DefaultPollInterval = 5 * time.Millisecond
)

// OutcomeKind 交换结果类型
type OutcomeKind int

const (
	Acknowledged OutcomeKind = iota // 收到0xAA
	Unexpected                      // 收到其他字节
	TimedOut                        // 超时无应答
)

// String 结果类型名称
func (k OutcomeKind) String() string {
	switch k {
	case Acknowledged:
		return "acknowledged"
	case Unexpected:
		return "unexpected"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome 一次交换的结果
//
// Reply仅在Kind为Unexpected或Acknowledged时有意义。
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	Reply byte        `json:"reply,omitempty"`
}

// OK 是否收到确认
func (o Outcome) OK() bool {
	return o.Kind == Acknowledged
}

// String 结果描述
func (o Outcome) String() string {
	if o.Kind == Unexpected {
		return fmt.Sprintf("unexpected(0x%02X)", o.Reply)
	}
	return o.Kind.String()
}

// classify 对收到的第一个字节分类
func classify(b byte) Outcome {
	if b == AckByte {
		return Outcome{Kind: Acknowledged, Reply: b}
	}
	return Outcome{Kind: Unexpected, Reply: b}
}

// ExchangeRecord 单次交换记录，创建后不再修改
type ExchangeRecord struct {
	Command   byte          `json:"command"`
	Outcome   Outcome       `json:"outcome"`
	Elapsed   time.Duration `json:"elapsed"`
	StartedAt time.Time     `json:"started_at"`
}

// String 记录摘要
func (r ExchangeRecord) String() string {
	return fmt.Sprintf("0x%02X -> %s (%s)", r.Command, r.Outcome, r.Elapsed.Round(time.Microsecond))
}
