package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// errCorruptPayload 表示正文无法按当前模式解析，调用方应视为未命中。
var errCorruptPayload = errors.New("corrupt cache payload")

// payloadCodec 负责正文文件的编解码，每种 PayloadMode 一个实现。
type payloadCodec interface {
	validate(value any) error
	encode(ctx context.Context, files fileAccess, path string, value any) error
	decode(ctx context.Context, files fileAccess, path string) (any, error)
}

func newPayloadCodec(opts Options) (payloadCodec, error) {
	switch opts.PayloadMode {
	case PayloadStructured:
		codec := opts.Codec
		if codec == nil {
			codec = JSONCodec[any]{}
		}
		return structuredPayload{codec: codec}, nil
	case PayloadRawBytes:
		return rawPayload{}, nil
	case PayloadFileReference:
		return fileReferencePayload{}, nil
	default:
		return nil, fmt.Errorf("unsupported payload mode: %s", opts.PayloadMode)
	}
}

type structuredPayload struct {
	codec ValueCodec
}

func (structuredPayload) validate(any) error { return nil }

func (p structuredPayload) encode(ctx context.Context, files fileAccess, path string, value any) error {
	return files.writeFile(ctx, path, func(w io.Writer) error {
		return p.codec.Encode(w, value)
	})
}

func (p structuredPayload) decode(ctx context.Context, files fileAccess, path string) (any, error) {
	data, err := files.readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	value, err := p.codec.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptPayload, err)
	}
	return value, nil
}

// rawPayload 原样写入字节，前置版本头以区分当前格式与旧格式。
type rawPayload struct{}

func (rawPayload) validate(value any) error {
	switch value.(type) {
	case []byte, io.Reader:
		return nil
	default:
		return fmt.Errorf("%w: raw mode expects []byte or io.Reader, got %T", ErrInvalidPayload, value)
	}
}

func (rawPayload) encode(ctx context.Context, files fileAccess, path string, value any) error {
	return files.writeFile(ctx, path, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
			return err
		}
		switch v := value.(type) {
		case []byte:
			_, err := w.Write(v)
			return err
		case io.Reader:
			// 调用方持有 reader，这里只复制不关闭
			_, err := copyWithContext(ctx, w, v)
			return err
		}
		return nil
	})
}

func (rawPayload) decode(ctx context.Context, files fileAccess, path string) (any, error) {
	data, err := files.readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(data) < versionLen || binary.LittleEndian.Uint64(data) != formatVersion {
		return nil, errCorruptPayload
	}
	return data[versionLen:], nil
}

// fileReferencePayload 写入时复制源文件，读取时返回缓存内的数据文件路径。
type fileReferencePayload struct{}

func (fileReferencePayload) validate(value any) error {
	src, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: file mode expects a source path, got %T", ErrInvalidPayload, value)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidPayload, src)
	}
	return nil
}

func (fileReferencePayload) encode(ctx context.Context, files fileAccess, path string, value any) error {
	src, err := os.Open(value.(string))
	if err != nil {
		return untouchedError{err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	defer src.Close()
	return files.writeFile(ctx, path, func(w io.Writer) error {
		_, err := copyWithContext(ctx, w, src)
		return err
	})
}

func (fileReferencePayload) decode(_ context.Context, _ fileAccess, path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fs.ErrNotExist
	}
	return path, nil
}
