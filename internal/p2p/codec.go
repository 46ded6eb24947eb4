package p2p

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// MaxMessageSize defines an upper bound on a single envelope.
// This protects us from a peer advertising a gigantic length and causing
// our node to allocate huge memory.
const MaxMessageSize = 10 * 1024 * 1024 // 10 MiB

// maxVarintLen is the longest protobuf varint.
const maxVarintLen = 10

var (
	ErrMessageTooLarge = errors.New("p2p: message exceeds maximum size")
	ErrZeroLength      = errors.New("p2p: zero-length message")
	ErrVarintOverflow  = errors.New("p2p: length prefix overflow")
	ErrCorruptedData   = errors.New("p2p: corrupted envelope")
)

// AppendFrame encodes env and appends it to b as a length-delimited frame:
//
//	[varint length][NetworkEnvelope bytes...]
func AppendFrame(b []byte, env *pb.NetworkEnvelope) ([]byte, error) {
	body := env.Marshal()
	if len(body) > MaxMessageSize {
		return b, fmt.Errorf("%w (%d > %d)", ErrMessageTooLarge, len(body), MaxMessageSize)
	}
	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...), nil
}

// WriteEnvelope frames env and writes it with a single Write call, so frames
// from one writer never interleave.
func WriteEnvelope(w io.Writer, env *pb.NetworkEnvelope) error {
	frame, err := AppendFrame(nil, env)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("encode: write frame: %w", err)
	}
	return nil
}

// Decoder reads length-delimited envelopes from a byte stream and yields
// their payloads one at a time.
//
// Envelopes without a payload are dropped. A BundleOfEnvelopes is replaced
// by its inner envelopes, in order and recursively, so callers only ever
// see a flat sequence of meaningful payloads.
type Decoder struct {
	r       *bufio.Reader
	pending []pb.Payload
}

// NewDecoder wraps r. The decoder buffers reads internally.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next payload. It returns io.EOF when the stream ends
// cleanly between frames, io.ErrUnexpectedEOF when it ends inside a frame.
func (d *Decoder) Next() (pb.Payload, error) {
	for len(d.pending) == 0 {
		env, err := d.readEnvelope()
		if err != nil {
			return nil, err
		}
		d.pending = flatten(d.pending, env)
	}
	p := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return p, nil
}

// flatten appends the payloads carried by env to dst.
func flatten(dst []pb.Payload, env *pb.NetworkEnvelope) []pb.Payload {
	if env == nil || env.Payload == nil {
		return dst
	}
	bundle, ok := env.Payload.(*pb.BundleOfEnvelopes)
	if !ok {
		return append(dst, env.Payload)
	}
	for _, inner := range bundle.Envelopes {
		dst = flatten(dst, inner)
	}
	return dst
}

// readEnvelope runs one pass of the two-state framing machine: collect the
// varint length prefix byte by byte, then fill a buffer of that size.
func (d *Decoder) readEnvelope() (*pb.NetworkEnvelope, error) {
	// Between messages.
	var scratch [maxVarintLen]byte
	n := 0
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		scratch[n] = c
		n++
		if c&0x80 == 0 {
			break
		}
		if n == maxVarintLen {
			return nil, ErrVarintOverflow
		}
	}
	size, m := protowire.ConsumeVarint(scratch[:n])
	if m < 0 {
		return nil, fmt.Errorf("%w: %v", ErrVarintOverflow, protowire.ParseError(m))
	}
	if size == 0 {
		return nil, ErrZeroLength
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w (%d > %d)", ErrMessageTooLarge, size, MaxMessageSize)
	}

	// Message in progress.
	buf := make([]byte, size)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	env, err := pb.UnmarshalEnvelope(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}
	return env, nil
}
