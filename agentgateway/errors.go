package agentgateway

import (
	"errors"
)

// Kind 错误类别
type Kind int

const (
	// KindUpstream 平台、导出器或本地文件操作失败
	KindUpstream Kind = iota
	// KindNoCompletion 运行结束但没有可提取的助手回复
	KindNoCompletion
	// KindInvalidInput 请求参数不合法
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindNoCompletion:
		return "no_completion"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "upstream"
	}
}

// ErrNoCompletion 线程中没有带文本内容的助手消息
var ErrNoCompletion = errors.New("no content found")

// Error 网关错误
//
// Error() 原样返回底层错误信息，HTTP 层直接把它作为 detail。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误类别，非网关错误视为上游错误
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUpstream
}

func upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

func invalid(op, msg string) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: errors.New(msg)}
}
