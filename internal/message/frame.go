package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendFrame appends msg to dst prefixed with its uvarint length.
func AppendFrame(dst, msg []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(msg)))
	return append(dst, msg...)
}

// NextFrame splits the first frame off a stream. It returns the frame body
// and the remaining stream. An empty stream yields a nil frame and no error.
func NextFrame(stream []byte) (frame, rest []byte, err error) {
	if len(stream) == 0 {
		return nil, nil, nil
	}
	size, n := protowire.ConsumeVarint(stream)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: frame header: %v", ErrMalformed, protowire.ParseError(n))
	}
	if size > MaxMessageSize {
		return nil, nil, fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", ErrMalformed, size, MaxMessageSize)
	}
	stream = stream[n:]
	if uint64(len(stream)) < size {
		return nil, nil, fmt.Errorf("%w: frame truncated, want %d bytes, have %d", ErrMalformed, size, len(stream))
	}
	return stream[:size], stream[size:], nil
}

// SplitFrames returns every frame of a stream.
func SplitFrames(stream []byte) ([][]byte, error) {
	var frames [][]byte
	for len(stream) > 0 {
		frame, rest, err := NextFrame(stream)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		stream = rest
	}
	return frames, nil
}
