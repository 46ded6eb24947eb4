package p2p

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// helper to create an in-memory connection pair.
func newPipeConn() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestCodec_PingFrameRoundTrip(t *testing.T) {
	env := &pb.NetworkEnvelope{MessageVersion: 2, Payload: &pb.Ping{Nonce: 5, LastRoundTripTime: 0}}

	frame, err := AppendFrame(nil, env)
	require.NoError(t, err)

	// A small envelope needs a single varint byte holding its length.
	require.Less(t, frame[0], byte(0x80))
	assert.Equal(t, int(frame[0]), len(frame)-1, "prefix should equal envelope length")

	dec := NewDecoder(bytes.NewReader(frame))
	p, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, &pb.Ping{Nonce: 5}, p)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF, "clean end between frames should be io.EOF")
}

func TestCodec_EncodeDecodeOverPipe(t *testing.T) {
	serverConn, clientConn := newPipeConn()
	defer serverConn.Close()
	defer clientConn.Close()

	original := &pb.GetPeersRequest{
		SenderNodeAddress:     &pb.NodeAddress{HostName: "localhost", Port: 2002},
		Nonce:                 77,
		SupportedCapabilities: []int32{1, 2, 3},
	}

	// Encode on "client" side.
	go func() {
		_ = WriteEnvelope(clientConn, &pb.NetworkEnvelope{MessageVersion: 12, Payload: original})
	}()

	// Decode on "server" side.
	p, err := NewDecoder(serverConn).Next()
	require.NoError(t, err, "decode should not fail")
	assert.Equal(t, original, p)
}

func TestCodec_BundleIsFlattened(t *testing.T) {
	bundle := &pb.BundleOfEnvelopes{Envelopes: []*pb.NetworkEnvelope{
		{MessageVersion: 12, Payload: &pb.Ping{Nonce: 1}},
		{MessageVersion: 12, Payload: &pb.Pong{RequestNonce: 2}},
		{MessageVersion: 12},
		{MessageVersion: 12, Payload: &pb.Ping{Nonce: 3}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, &pb.NetworkEnvelope{MessageVersion: 12, Payload: bundle}))
	require.NoError(t, WriteEnvelope(&buf, &pb.NetworkEnvelope{MessageVersion: 12, Payload: &pb.Pong{RequestNonce: 4}}))

	dec := NewDecoder(&buf)
	var got []pb.Payload
	for {
		p, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, p)
	}

	assert.Equal(t, []pb.Payload{
		&pb.Ping{Nonce: 1},
		&pb.Pong{RequestNonce: 2},
		&pb.Ping{Nonce: 3},
		&pb.Pong{RequestNonce: 4},
	}, got)
}

func TestCodec_NestedBundle(t *testing.T) {
	inner := &pb.BundleOfEnvelopes{Envelopes: []*pb.NetworkEnvelope{
		{Payload: &pb.Ping{Nonce: 2}},
	}}
	outer := &pb.BundleOfEnvelopes{Envelopes: []*pb.NetworkEnvelope{
		{Payload: &pb.Ping{Nonce: 1}},
		{Payload: inner},
		{Payload: &pb.Ping{Nonce: 3}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, &pb.NetworkEnvelope{Payload: outer}))

	dec := NewDecoder(&buf)
	for _, want := range []int32{1, 2, 3} {
		p, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, &pb.Ping{Nonce: want}, p)
	}
}

func TestCodec_EmptyEnvelopeIsDropped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, &pb.NetworkEnvelope{MessageVersion: 12}))
	require.NoError(t, WriteEnvelope(&buf, &pb.NetworkEnvelope{MessageVersion: 12, Payload: &pb.Ping{Nonce: 9}}))

	p, err := NewDecoder(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, &pb.Ping{Nonce: 9}, p)
}

func TestCodec_ZeroLengthIsRejected(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{0x00})).Next()
	assert.ErrorIs(t, err, ErrZeroLength)
}

func TestCodec_TooLargeMessage(t *testing.T) {
	prefix := protowire.AppendVarint(nil, MaxMessageSize+1)
	_, err := NewDecoder(bytes.NewReader(prefix)).Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	// Encoding a payload larger than MaxMessageSize fails too.
	big := &pb.Unknown{Field: pb.KindAddDataMessage, Raw: make([]byte, MaxMessageSize+1)}
	err = WriteEnvelope(io.Discard, &pb.NetworkEnvelope{Payload: big})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCodec_VarintOverflow(t *testing.T) {
	prefix := bytes.Repeat([]byte{0xff}, maxVarintLen)
	_, err := NewDecoder(bytes.NewReader(prefix)).Next()
	assert.ErrorIs(t, err, ErrVarintOverflow)
}

func TestCodec_ShortReads(t *testing.T) {
	// Stream ends after a continuation byte of the length prefix.
	_, err := NewDecoder(bytes.NewReader([]byte{0x80})).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Stream ends inside the envelope body.
	_, err = NewDecoder(bytes.NewReader([]byte{0x06, 0x08, 0x02})).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCodec_CorruptedEnvelope(t *testing.T) {
	// Length 3, body claims a 5-byte nested message.
	_, err := NewDecoder(bytes.NewReader([]byte{0x03, 0x3a, 0x05, 0x08})).Next()
	assert.ErrorIs(t, err, ErrCorruptedData)
}
