package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The descriptors below mirror proto/p2p.proto. Messages are checked
// against the protobuf runtime in both directions.

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func fieldOf(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeatedOf(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func messageOf(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := fieldOf(name, num, tMessage)
	f.TypeName = proto.String(".io.bisq.protobuffer." + typeName)
	return f
}

func arm(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.OneofIndex = proto.Int32(0)
	return f
}

func schema(t *testing.T) protoreflect.FileDescriptor {
	t.Helper()
	msg := func(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
	}
	envelope := msg("NetworkEnvelope",
		fieldOf("message_version", 1, tInt32),
		arm(messageOf("preliminary_get_data_request", 2, "PreliminaryGetDataRequest")),
		arm(messageOf("get_updated_data_request", 4, "GetUpdatedDataRequest")),
		arm(messageOf("get_peers_request", 5, "GetPeersRequest")),
		arm(messageOf("get_peers_response", 6, "GetPeersResponse")),
		arm(messageOf("ping", 7, "Ping")),
		arm(messageOf("pong", 8, "Pong")),
		arm(messageOf("close_connection_message", 15, "CloseConnectionMessage")),
	)
	envelope.OneofDecl = []*descriptorpb.OneofDescriptorProto{{Name: proto.String("message")}}

	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("p2p.proto"),
		Package: proto.String("io.bisq.protobuffer"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			msg("NodeAddress",
				fieldOf("host_name", 1, tString),
				fieldOf("port", 2, tInt32)),
			msg("Peer",
				messageOf("node_address", 1, "NodeAddress"),
				fieldOf("date", 2, tInt64),
				repeatedOf(fieldOf("supported_capabilities", 3, tInt32))),
			msg("PreliminaryGetDataRequest",
				fieldOf("nonce", 21, tInt32),
				repeatedOf(fieldOf("excluded_keys", 2, tBytes)),
				repeatedOf(fieldOf("supported_capabilities", 3, tInt32)),
				fieldOf("version", 4, tString)),
			msg("GetUpdatedDataRequest",
				messageOf("sender_node_address", 1, "NodeAddress"),
				fieldOf("nonce", 2, tInt32),
				repeatedOf(fieldOf("excluded_keys", 3, tBytes)),
				fieldOf("version", 4, tString)),
			msg("GetPeersRequest",
				messageOf("sender_node_address", 1, "NodeAddress"),
				fieldOf("nonce", 2, tInt32),
				repeatedOf(fieldOf("supported_capabilities", 3, tInt32)),
				repeatedOf(messageOf("reported_peers", 4, "Peer"))),
			msg("GetPeersResponse",
				fieldOf("request_nonce", 1, tInt32),
				repeatedOf(messageOf("reported_peers", 2, "Peer")),
				repeatedOf(fieldOf("supported_capabilities", 3, tInt32))),
			msg("Ping",
				fieldOf("nonce", 1, tInt32),
				fieldOf("last_round_trip_time", 2, tInt32)),
			msg("Pong",
				fieldOf("request_nonce", 1, tInt32)),
			msg("CloseConnectionMessage",
				fieldOf("reason", 1, tString)),
			envelope,
		},
	}
	fd, err := protodesc.NewFile(file, nil)
	require.NoError(t, err)
	return fd
}

func envelopeDescriptor(t *testing.T) protoreflect.MessageDescriptor {
	return schema(t).Messages().ByName("NetworkEnvelope")
}

func get(m protoreflect.Message, name protoreflect.Name) protoreflect.Value {
	return m.Get(m.Descriptor().Fields().ByName(name))
}

func TestSchema_EncodingMatchesRuntime(t *testing.T) {
	env := &NetworkEnvelope{MessageVersion: 12, Payload: &GetPeersRequest{
		SenderNodeAddress:     &NodeAddress{HostName: "self.onion", Port: 9999},
		Nonce:                 3,
		SupportedCapabilities: []int32{1, 7},
		ReportedPeers: []*Peer{{
			NodeAddress:           &NodeAddress{HostName: "a.onion", Port: 8000},
			Date:                  1_700_000_000_000,
			SupportedCapabilities: []int32{2},
		}},
	}}

	msg := dynamicpb.NewMessage(envelopeDescriptor(t))
	require.NoError(t, proto.Unmarshal(env.Marshal(), msg))
	assert.Empty(t, msg.GetUnknown(), "every field should be known to the schema")
	assert.Equal(t, int64(12), get(msg, "message_version").Int())

	req := get(msg, "get_peers_request").Message()
	assert.Equal(t, int64(3), get(req, "nonce").Int())
	sender := get(req, "sender_node_address").Message()
	assert.Equal(t, "self.onion", get(sender, "host_name").String())
	assert.Equal(t, int64(9999), get(sender, "port").Int())

	caps := get(req, "supported_capabilities").List()
	require.Equal(t, 2, caps.Len())
	assert.Equal(t, int64(7), caps.Get(1).Int())

	peers := get(req, "reported_peers").List()
	require.Equal(t, 1, peers.Len())
	peer := peers.Get(0).Message()
	assert.Equal(t, int64(1_700_000_000_000), get(peer, "date").Int())
	assert.Equal(t, "a.onion", get(get(peer, "node_address").Message(), "host_name").String())
}

func TestSchema_DecodesRuntimeEncoding(t *testing.T) {
	ed := envelopeDescriptor(t)
	ef := ed.Fields()

	env := dynamicpb.NewMessage(ed)
	env.Set(ef.ByName("message_version"), protoreflect.ValueOfInt32(12))

	resp := dynamicpb.NewMessage(ef.ByName("get_peers_response").Message())
	rf := resp.Descriptor().Fields()
	resp.Set(rf.ByName("request_nonce"), protoreflect.ValueOfInt32(4))
	caps := resp.Mutable(rf.ByName("supported_capabilities")).List()
	caps.Append(protoreflect.ValueOfInt32(1))
	caps.Append(protoreflect.ValueOfInt32(2))

	peers := resp.Mutable(rf.ByName("reported_peers")).List()
	peer := peers.NewElement().Message()
	pf := peer.Descriptor().Fields()
	addr := peer.Mutable(pf.ByName("node_address")).Message()
	addr.Set(addr.Descriptor().Fields().ByName("host_name"), protoreflect.ValueOfString("b.onion"))
	addr.Set(addr.Descriptor().Fields().ByName("port"), protoreflect.ValueOfInt32(8001))
	peer.Set(pf.ByName("date"), protoreflect.ValueOfInt64(42))
	peers.Append(protoreflect.ValueOfMessage(peer))

	env.Set(ef.ByName("get_peers_response"), protoreflect.ValueOfMessage(resp))

	b, err := proto.Marshal(env)
	require.NoError(t, err)
	got, err := UnmarshalEnvelope(b)
	require.NoError(t, err)

	assert.Equal(t, &NetworkEnvelope{MessageVersion: 12, Payload: &GetPeersResponse{
		RequestNonce: 4,
		ReportedPeers: []*Peer{{
			NodeAddress: &NodeAddress{HostName: "b.onion", Port: 8001},
			Date:        42,
		}},
		SupportedCapabilities: []int32{1, 2},
	}}, got)
}
