package reconnect

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize 单帧上限
const MaxFrameSize = 16 << 20

type msgType uint64

const (
	msgHello msgType = iota + 1
	msgRoot
	msgRequest
	msgResponse
	msgLesson
	msgAck
	msgEnd
	msgAbort
)

func (t msgType) String() string {
	switch t {
	case msgHello:
		return "hello"
	case msgRoot:
		return "root"
	case msgRequest:
		return "request"
	case msgResponse:
		return "response"
	case msgLesson:
		return "lesson"
	case msgAck:
		return "ack"
	case msgEnd:
		return "end"
	case msgAbort:
		return "abort"
	}
	return fmt.Sprintf("msgType(%d)", uint64(t))
}

// response / lesson / abort 的子类型
const (
	respClean uint64 = iota + 1
	respHash
	respLeaf
	respNoSuchPath
)

const (
	lessonInternal uint64 = iota + 1
	lessonLeaf
)

const (
	abortModeMismatch uint64 = iota + 1
	abortProtocol
)

// message 全部消息类型共用一个结构，按 Type 使用其中的字段
type message struct {
	Type    msgType
	Mode    string
	Session string
	Path    int64
	First   int64
	Last    int64
	Hash    []byte
	Kind    uint64
	Key     []byte
	Value   []byte
	Hashes  [][]byte
	Has     bool
	Reason  string
}

// 字段号
const (
	fieldType    protowire.Number = 1
	fieldMode    protowire.Number = 2
	fieldSession protowire.Number = 3
	fieldPath    protowire.Number = 4
	fieldFirst   protowire.Number = 5
	fieldLast    protowire.Number = 6
	fieldHash    protowire.Number = 7
	fieldKind    protowire.Number = 8
	fieldKey     protowire.Number = 9
	fieldValue   protowire.Number = 10
	fieldHashes  protowire.Number = 11
	fieldHas     protowire.Number = 12
	fieldReason  protowire.Number = 13
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (m *message) marshal() []byte {
	b := make([]byte, 0, 32+len(m.Hash)+len(m.Key)+len(m.Value))
	b = appendVarint(b, fieldType, uint64(m.Type))
	if m.Mode != "" {
		b = appendBytes(b, fieldMode, []byte(m.Mode))
	}
	if m.Session != "" {
		b = appendBytes(b, fieldSession, []byte(m.Session))
	}
	b = appendSint(b, fieldPath, m.Path)
	if m.Type == msgRoot {
		b = appendSint(b, fieldFirst, m.First)
		b = appendSint(b, fieldLast, m.Last)
	}
	if m.Hash != nil {
		b = appendBytes(b, fieldHash, m.Hash)
	}
	if m.Kind != 0 {
		b = appendVarint(b, fieldKind, m.Kind)
	}
	if m.Key != nil {
		b = appendBytes(b, fieldKey, m.Key)
	}
	if m.Value != nil {
		b = appendBytes(b, fieldValue, m.Value)
	}
	for _, h := range m.Hashes {
		b = appendBytes(b, fieldHashes, h)
	}
	if m.Has {
		b = appendVarint(b, fieldHas, 1)
	}
	if m.Reason != "" {
		b = appendBytes(b, fieldReason, []byte(m.Reason))
	}
	return b
}

func unmarshalMessage(b []byte) (*message, error) {
	m := &message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				m.Type = msgType(v)
			case fieldPath:
				m.Path = protowire.DecodeZigZag(v)
			case fieldFirst:
				m.First = protowire.DecodeZigZag(v)
			case fieldLast:
				m.Last = protowire.DecodeZigZag(v)
			case fieldKind:
				m.Kind = v
			case fieldHas:
				m.Has = v != 0
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(n))
			}
			b = b[n:]
			v = append([]byte{}, v...)
			switch num {
			case fieldMode:
				m.Mode = string(v)
			case fieldSession:
				m.Session = string(v)
			case fieldHash:
				m.Hash = v
			case fieldKey:
				m.Key = v
			case fieldValue:
				m.Value = v
			case fieldHashes:
				m.Hashes = append(m.Hashes, v)
			case fieldReason:
				m.Reason = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Type < msgHello || m.Type > msgAbort {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, uint64(m.Type))
	}
	return m, nil
}

// writeFrame 4 字节大端长度 + 负载
func writeFrame(w *bufio.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
