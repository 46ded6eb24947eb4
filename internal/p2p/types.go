package p2p

import (
	"context"
	"net"
	"weak"

	"github.com/google/uuid"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// ConnectionID is minted locally for every connection, inbound or outbound,
// before any peer identity is known. It is the stable key for maps keyed
// by connection.
type ConnectionID uuid.UUID

// NewConnectionID returns a fresh random id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

func (id ConnectionID) String() string {
	return uuid.UUID(id).String()
}

// Direction tells us whether we dialled the peer or accepted it.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Dialer opens the raw byte stream to a peer. Implementations exist for
// direct TCP and for SOCKS5 through a local Tor proxy; tests inject their own.
type Dialer interface {
	Dial(ctx context.Context, addr pb.NodeAddress) (net.Conn, error)
}

// CloseReason is the text carried by CloseConnectionMessage.
type CloseReason string

const (
	ReasonSocketClosed                      CloseReason = "SOCKET_CLOSED"
	ReasonReset                             CloseReason = "RESET"
	ReasonSocketTimeout                     CloseReason = "SOCKET_TIMEOUT"
	ReasonTerminated                        CloseReason = "TERMINATED"
	ReasonCorruptedData                     CloseReason = "CORRUPTED_DATA"
	ReasonNoProtoBufferData                 CloseReason = "NO_PROTO_BUFFER_DATA"
	ReasonNoProtoBufferEnv                  CloseReason = "NO_PROTO_BUFFER_ENV"
	ReasonUnknownException                  CloseReason = "UNKNOWN_EXCEPTION"
	ReasonAppShutDown                       CloseReason = "APP_SHUT_DOWN"
	ReasonCloseRequestedByPeer              CloseReason = "CLOSE_REQUESTED_BY_PEER"
	ReasonSendMsgFailure                    CloseReason = "SEND_MSG_FAILURE"
	ReasonSendMsgTimeout                    CloseReason = "SEND_MSG_TIMEOUT"
	ReasonTooManyConnectionsOpen            CloseReason = "TOO_MANY_CONNECTIONS_OPEN"
	ReasonTooManySeedNodesConnected         CloseReason = "TOO_MANY_SEED_NODES_CONNECTED"
	ReasonUnknownPeerAddress                CloseReason = "UNKNOWN_PEER_ADDRESS"
	ReasonRuleViolation                     CloseReason = "RULE_VIOLATION"
	ReasonPeerBanned                        CloseReason = "PEER_BANNED"
	ReasonInvalidClassReceived              CloseReason = "INVALID_CLASS_RECEIVED"
	ReasonMandatoryCapabilitiesNotSupported CloseReason = "MANDATORY_CAPABILITIES_NOT_SUPPORTED"
)

// CloseReasons lists every reason in protocol order.
var CloseReasons = []CloseReason{
	ReasonSocketClosed,
	ReasonReset,
	ReasonSocketTimeout,
	ReasonTerminated,
	ReasonCorruptedData,
	ReasonNoProtoBufferData,
	ReasonNoProtoBufferEnv,
	ReasonUnknownException,
	ReasonAppShutDown,
	ReasonCloseRequestedByPeer,
	ReasonSendMsgFailure,
	ReasonSendMsgTimeout,
	ReasonTooManyConnectionsOpen,
	ReasonTooManySeedNodesConnected,
	ReasonUnknownPeerAddress,
	ReasonRuleViolation,
	ReasonPeerBanned,
	ReasonInvalidClassReceived,
	ReasonMandatoryCapabilitiesNotSupported,
}

// Valid reports whether r belongs to the closed set of reasons.
func (r CloseReason) Valid() bool {
	for _, known := range CloseReasons {
		if r == known {
			return true
		}
	}
	return false
}

// ConnectionAdded announces a connection the peer manager has taken on.
// Observers keep only the weak handle; once the manager drops the
// connection the handle stops resolving.
type ConnectionAdded struct {
	ID   ConnectionID
	Conn weak.Pointer[Connection]
}

// Resolve returns the connection if it is still alive.
func (e ConnectionAdded) Resolve() (*Connection, bool) {
	c := e.Conn.Value()
	if c == nil || c.IsClosed() {
		return nil, false
	}
	return c, true
}
