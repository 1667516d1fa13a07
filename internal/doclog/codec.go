package doclog

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

type snapshotBody struct {
	Content      string `json:"content"`
	FoldedEvents int64  `json:"folded_events"`
}

type snapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newSnapshotCodec() (*snapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &snapshotCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *snapshotCodec) encode(body snapshotBody) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *snapshotCodec) decode(compressed []byte) (snapshotBody, error) {
	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return snapshotBody{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var body snapshotBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return snapshotBody{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return body, nil
}
