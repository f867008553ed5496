// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec tags the compression applied to an envelope payload. The
// numeric values are wire format; never renumber.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

// maxPayloadSize bounds a decompressed payload so a malformed or
// hostile envelope cannot balloon memory.
const maxPayloadSize = 32 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("replica: creating zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		panic(fmt.Sprintf("replica: creating zstd decoder: %v", err))
	}
}

// ParseCodec maps a config string to a codec. The empty string means
// no compression.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("replica: unknown compression codec %q", name)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// compress encodes data with the requested codec and reports the
// codec actually used. Output that fails to shrink ships raw under
// CodecNone, so incompressible payloads never pay twice.
func compress(codec Codec, data []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return data, CodecNone, nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, 0, fmt.Errorf("replica: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("replica: lz4 compress: %w", err)
		}
		if buf.Len() >= len(data) {
			return data, CodecNone, nil
		}
		return buf.Bytes(), CodecLZ4, nil
	case CodecZstd:
		out := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(out) >= len(data) {
			return data, CodecNone, nil
		}
		return out, CodecZstd, nil
	}
	return nil, 0, fmt.Errorf("replica: unknown compression codec %d", codec)
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
		if err != nil {
			return nil, fmt.Errorf("replica: lz4 decompress: %w", err)
		}
		if len(out) > maxPayloadSize {
			return nil, fmt.Errorf("replica: payload exceeds %d byte limit", maxPayloadSize)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("replica: zstd decompress: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("replica: unknown compression codec %d", codec)
}
