package chunkgen

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	types "github.com/yungbote/terrain-backend/internal/domain"
)

// Payload layout, little endian:
//
//	"DEMC" | version u8 | source u8 | resolution u16 | min f32 | max f32 | heights f32...
const (
	payloadMagic   = "DEMC"
	payloadVersion = 1
	headerSize     = 4 + 1 + 1 + 2 + 4 + 4
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("chunkgen: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(fmt.Sprintf("chunkgen: zstd decoder: %v", err))
	}
}

func sourceByte(s types.ChunkSource) byte {
	if s == types.ChunkSourceSynthetic {
		return 1
	}
	return 0
}

func byteSource(b byte) types.ChunkSource {
	if b == 1 {
		return types.ChunkSourceSynthetic
	}
	return types.ChunkSourceDEM
}

// Encode renders the canonical uncompressed payload.
func Encode(h *Heightmap) ([]byte, error) {
	n := h.Resolution * h.Resolution
	if err := ValidateResolution(h.Resolution); err != nil {
		return nil, err
	}
	if len(h.Heights) != n {
		return nil, fmt.Errorf("heightmap has %d samples, want %d", len(h.Heights), n)
	}
	out := make([]byte, 0, headerSize+4*n)
	out = append(out, payloadMagic...)
	out = append(out, payloadVersion, sourceByte(h.Source))
	out = binary.LittleEndian.AppendUint16(out, uint16(h.Resolution))
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(h.Min))
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(h.Max))
	for _, v := range h.Heights {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out, nil
}

func Decode(payload []byte) (*Heightmap, error) {
	if len(payload) < headerSize || string(payload[:4]) != payloadMagic {
		return nil, fmt.Errorf("chunk payload: bad header")
	}
	if payload[4] != payloadVersion {
		return nil, fmt.Errorf("chunk payload: unsupported version %d", payload[4])
	}
	h := &Heightmap{
		Source:     byteSource(payload[5]),
		Resolution: int(binary.LittleEndian.Uint16(payload[6:8])),
		Min:        math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12])),
		Max:        math.Float32frombits(binary.LittleEndian.Uint32(payload[12:16])),
	}
	n := h.Resolution * h.Resolution
	body := payload[headerSize:]
	if len(body) != 4*n {
		return nil, fmt.Errorf("chunk payload: %d body bytes, want %d", len(body), 4*n)
	}
	h.Heights = make([]float32, n)
	for i := range h.Heights {
		h.Heights[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return h, nil
}

// Checksum is the hex SHA-256 of the uncompressed payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func Compress(payload []byte) []byte {
	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

func Decompress(blob []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk blob: zstd: %w", err)
	}
	return out, nil
}
