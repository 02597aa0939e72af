package protocol

import (
	"strconv"
	"strings"

	apperrors "github.com/wfunc/uart-probe/internal/errors"
)

// 外设命令（对协议而言只是不透明字节）
const (
	CmdClearAll    byte = 0x00
	CmdLED0        byte = 0x01
	CmdLEDs01      byte = 0x02
	CmdLEDs02      byte = 0x03
	CmdAllLEDs     byte = 0x04
	CmdInvert      byte = 0x10
	CmdTestPattern byte = 0xFF
)

// Step 测试序列中的一步
type Step struct {
	Command     byte   `json:"command"`
	Description string `json:"description"`
}

// 命令描述，仅用于报告
var commandDescriptions = map[byte]string{
	CmdClearAll:    "熄灭所有LED",
	CmdLED0:        "点亮LED 0",
	CmdLEDs01:      "点亮LED 0-1",
	CmdLEDs02:      "点亮LED 0-2",
	CmdAllLEDs:     "点亮所有LED",
	CmdInvert:      "翻转LED状态",
	CmdTestPattern: "测试图案 (0b1010)",
}

// Describe 返回命令描述
func Describe(command byte) string {
	if desc, ok := commandDescriptions[command]; ok {
		return desc
	}
	return "未知命令"
}

// Catalog 已知命令列表（按命令值排序）
func Catalog() []Step {
	order := []byte{CmdClearAll, CmdLED0, CmdLEDs01, CmdLEDs02, CmdAllLEDs, CmdInvert, CmdTestPattern}
	steps := make([]Step, 0, len(order))
	for _, cmd := range order {
		steps = append(steps, Step{Command: cmd, Description: commandDescriptions[cmd]})
	}
	return steps
}

// DefaultSequence 默认测试序列
func DefaultSequence() []Step {
	cmds := []byte{CmdClearAll, CmdLED0, CmdLEDs01, CmdLEDs02, CmdAllLEDs, CmdInvert, CmdTestPattern, CmdClearAll}
	steps := make([]Step, 0, len(cmds))
	for _, cmd := range cmds {
		steps = append(steps, Step{Command: cmd, Description: Describe(cmd)})
	}
	return steps
}

// ContinuousCycle 连续测试每轮发送的命令
func ContinuousCycle() []byte {
	return []byte{CmdClearAll, CmdAllLEDs, CmdInvert}
}

// ParseCommand 解析操作员输入的命令值
//
// 支持0x前缀的十六进制或十进制，取值范围0-255。
func ParseCommand(input string) (byte, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return 0, apperrors.New(apperrors.ErrInputFormat, "empty input")
	}

	var (
		value int64
		err   error
	)
	if strings.HasPrefix(s, "0x") {
		value, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		value, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return 0, apperrors.Newf(apperrors.ErrInputOutOfRange, "%q is outside 0x00-0xFF", input)
		}
		return 0, apperrors.Newf(apperrors.ErrInputFormat, "%q: use 0x01 or 1", input)
	}

	if value < 0 || value > 0xFF {
		return 0, apperrors.Newf(apperrors.ErrInputOutOfRange, "%q is outside 0x00-0xFF", input)
	}

	return byte(value), nil
}

// IsExitToken 判断输入是否为退出符（不区分大小写）
func IsExitToken(input, token string) bool {
	return strings.EqualFold(strings.TrimSpace(input), strings.TrimSpace(token))
}
