package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/wfunc/uart-probe/internal/errors"
)

// InputSource 交互模式的命令来源
//
// ReadLine 阻塞直到读到一行或ctx取消；输入结束时返回ErrInputClosed。
type InputSource interface {
	ReadLine(ctx context.Context) (string, error)
}

type lineResult struct {
	line string
	err  error
}

// lineReader 后台逐行读取，多个LineInput可共享同一来源
type lineReader struct {
	once    sync.Once
	scanner *bufio.Scanner
	lines   chan lineResult
}

func (r *lineReader) start() {
	r.once.Do(func() {
		go func() {
			for r.scanner.Scan() {
				r.lines <- lineResult{line: r.scanner.Text()}
			}
			err := r.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			r.lines <- lineResult{err: apperrors.Wrap(err, apperrors.ErrInputClosed, "read input")}
			close(r.lines)
		}()
	})
}

// LineInput 基于行的输入源（通常为标准输入）
type LineInput struct {
	reader *lineReader
	out    io.Writer
	prompt string
}

// NewLineInput 创建行输入源，prompt为空时不输出提示符
func NewLineInput(in io.Reader, out io.Writer, prompt string) *LineInput {
	if out == nil {
		out = io.Discard
	}
	return &LineInput{
		reader: &lineReader{
			scanner: bufio.NewScanner(in),
			lines:   make(chan lineResult),
		},
		out:    out,
		prompt: prompt,
	}
}

// WithPrompt 返回共享同一来源、提示符不同的输入源
func (l *LineInput) WithPrompt(prompt string) *LineInput {
	return &LineInput{reader: l.reader, out: l.out, prompt: prompt}
}

// ReadLine 读取一行
//
// ctx取消时立即返回；未被消费的行保留给下一次调用。
func (l *LineInput) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.reader.start()
	if l.prompt != "" {
		fmt.Fprint(l.out, l.prompt)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-l.reader.lines:
		if !ok {
			return "", apperrors.New(apperrors.ErrInputClosed)
		}
		return res.line, res.err
	}
}
