package cache

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// ValueCodec 是 structured 模式下由调用方提供的值编解码器，缓存本身不实现通用的对象序列化。
type ValueCodec interface {
	Encode(w io.Writer, value any) error
	Decode(r io.Reader) (any, error)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec 以 JSON 编码值，并在解码时还原为 T。
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(w io.Writer, value any) error {
	return jsonAPI.NewEncoder(w).Encode(value)
}

func (JSONCodec[T]) Decode(r io.Reader) (any, error) {
	var out T
	if err := jsonAPI.NewDecoder(r).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// BytesCodec 直接读写 []byte 与 string，适合调用方已自行序列化的场景。
type BytesCodec struct{}

func (BytesCodec) Encode(w io.Writer, value any) error {
	switch v := value.(type) {
	case []byte:
		_, err := w.Write(v)
		return err
	case string:
		_, err := io.WriteString(w, v)
		return err
	default:
		return fmt.Errorf("%w: bytes codec expects []byte or string, got %T", ErrInvalidPayload, value)
	}
}

func (BytesCodec) Decode(r io.Reader) (any, error) {
	return io.ReadAll(r)
}
