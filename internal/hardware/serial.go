package hardware

import (
	"path/filepath"
	"strings"

	"github.com/tarm/serial"
	"github.com/wfunc/uart-probe/internal/config"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/logger"
	"go.uber.org/zap"
)

// 设备查找模式（按优先级）
var devicePatterns = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/cu.usbmodem*",
	"/dev/tty.usbmodem*",
	"/dev/cu.usbserial*",
}

// FindDevice 自动查找USB串口设备，未找到返回空字符串
func FindDevice() string {
	for _, pattern := range devicePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			continue
		}
		return matches[0]
	}
	return ""
}

// OpenSerialTransport 打开串口链路（固定8N1）
func OpenSerialTransport(cfg config.SerialConfig) (*SerialTransport, error) {
	log := logger.WithModule("serial")

	device := cfg.Port
	if device == "" || strings.EqualFold(device, "auto") {
		device = FindDevice()
		if device == "" {
			return nil, apperrors.New(apperrors.ErrDeviceNotFound, strings.Join(devicePatterns, ", "))
		}
		log.Info("找到串口设备", zap.String("port", device))
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		log.Error("打开串口失败", zap.String("port", device), zap.Error(err))
		return nil, apperrors.Wrapf(err, apperrors.ErrLinkOpen, "open %s", device)
	}

	log.Info("串口连接成功",
		zap.String("port", device),
		zap.Int("baud_rate", cfg.BaudRate),
		zap.String("frame", "8N1"))

	return NewSerialTransport(device, port, log), nil
}

// OpenMockTransport 基于模拟外设创建链路（mock_mode）
func OpenMockTransport(cfg config.SerialConfig) (*SerialTransport, *MockPeripheral) {
	reply := byte(cfg.Mock.Reply)

	responder := ReplyResponder(reply)
	if cfg.Mock.FailEvery > 0 {
		responder = FailEveryResponder(cfg.Mock.FailEvery, reply)
	}

	peer := NewMockPeripheral(
		WithResponder(responder),
		WithReplyDelay(cfg.Mock.ReplyDelay),
		WithReadTimeout(cfg.ReadTimeout),
	)

	log := logger.WithModule("serial")
	log.Info("使用模拟外设",
		zap.String("reply", formatByte(reply)),
		zap.Duration("reply_delay", cfg.Mock.ReplyDelay),
		zap.Int("fail_every", cfg.Mock.FailEvery))

	return NewSerialTransport("mock", peer, log), peer
}
