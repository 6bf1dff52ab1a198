package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// STOMP 1.2 命令。
const (
	CmdConnect     = frame.CONNECT
	CmdConnected   = frame.CONNECTED
	CmdSubscribe   = frame.SUBSCRIBE
	CmdUnsubscribe = frame.UNSUBSCRIBE
	CmdSend        = frame.SEND
	CmdMessage     = frame.MESSAGE
	CmdReceipt     = frame.RECEIPT
	CmdError       = frame.ERROR
	CmdDisconnect  = frame.DISCONNECT
)

var ErrEmptyFrame = errors.New("empty frame")

// Frame 是一个 STOMP 帧。线上编解码交给 go-stomp 的 frame 包，
// 这里只保留按名字取头的扁平视图。
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, headers map[string]string, body []byte) Frame {
	if headers == nil {
		headers = map[string]string{}
	}
	return Frame{Command: command, Headers: headers, Body: body}
}

// Header 返回指定头，不存在时为空串。
func (f Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Encode 序列化为一条 websocket 消息。头按名字排序输出，便于测试断言；
// 有消息体时写入 content-length。
func (f Frame) Encode() ([]byte, error) {
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == frame.ContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := frame.New(f.Command)
	for _, k := range keys {
		out.Header.Add(k, f.Headers[k])
	}
	if len(f.Body) > 0 {
		out.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
		out.Body = f.Body
	}

	var b bytes.Buffer
	if err := frame.NewWriter(&b).Write(out); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return b.Bytes(), nil
}

// Decode 解析一条 websocket 消息中的帧，跳过前导心跳。纯心跳返回 ErrEmptyFrame。
// 重复的头以第一次出现为准。
func Decode(data []byte) (Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	for {
		in, err := r.Read()
		if errors.Is(err, io.EOF) && in == nil {
			if len(bytes.Trim(data, "\r\n")) == 0 {
				return Frame{}, ErrEmptyFrame
			}
			return Frame{}, fmt.Errorf("truncated frame: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		if in == nil {
			continue
		}
		f := Frame{Command: in.Command, Headers: make(map[string]string, in.Header.Len()), Body: in.Body}
		for i := 0; i < in.Header.Len(); i++ {
			k, v := in.Header.GetAt(i)
			if _, dup := f.Headers[k]; !dup {
				f.Headers[k] = v
			}
		}
		return f, nil
	}
}
