package hardware

import "io"

// SerialPort 串口接口（真实串口与模拟外设共用）
//
// Read必须在有限时间内返回（串口读超时），否则读协程无法响应清空与关闭请求。
type SerialPort interface {
	io.ReadWriteCloser
	// Flush 丢弃已接收未读取的数据
	Flush() error
}
