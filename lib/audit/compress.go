// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// payloadCodec tags how a stored payload is encoded. Stored in the
// audit table; the values are part of the on-disk format.
type payloadCodec int64

const (
	payloadRaw payloadCodec = 0
	payloadLZ4 payloadCodec = 1
)

// compressThreshold is the payload size below which compression is
// not attempted.
const compressThreshold = 256

var errIncompressible = errors.New("payload is incompressible")

// compressPayload returns the stored form of payload and its codec.
func compressPayload(payload []byte) ([]byte, payloadCodec) {
	if len(payload) < compressThreshold {
		return payload, payloadRaw
	}
	compressed, err := compressLZ4(payload)
	if err != nil {
		return payload, payloadRaw
	}
	return compressed, payloadLZ4
}

func decompressPayload(stored []byte, codec payloadCodec, size int) ([]byte, error) {
	switch codec {
	case payloadRaw:
		return stored, nil
	case payloadLZ4:
		return decompressLZ4(stored, size)
	default:
		return nil, fmt.Errorf("unknown payload codec %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}
