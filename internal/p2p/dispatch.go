package p2p

import (
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// Result is the outcome of offering a payload to a Dispatcher: either the
// payload was consumed, or it is handed back for the next dispatcher.
type Result struct {
	retained pb.Payload
}

// Consumed reports that the payload was accepted.
func Consumed() Result { return Result{} }

// Retained hands p back to the caller.
func Retained(p pb.Payload) Result { return Result{retained: p} }

// IsConsumed reports whether dispatch should stop.
func (r Result) IsConsumed() bool { return r.retained == nil }

// Payload returns the retained payload, or nil if consumed.
func (r Result) Payload() pb.Payload { return r.retained }

// Dispatcher receives decoded payloads from a connection's read loop.
// Implementations must not block for long: the read loop of the connection
// waits for Dispatch to return.
type Dispatcher interface {
	Dispatch(id ConnectionID, p pb.Payload) Result
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(id ConnectionID, p pb.Payload) Result

func (f DispatcherFunc) Dispatch(id ConnectionID, p pb.Payload) Result {
	return f(id, p)
}

// Chain offers a payload to each dispatcher in order. The first Consumed
// result stops dispatch; a payload nobody claims is returned Retained.
type Chain []Dispatcher

func (c Chain) Dispatch(id ConnectionID, p pb.Payload) Result {
	for _, d := range c {
		if d == nil {
			continue
		}
		r := d.Dispatch(id, p)
		if r.IsConsumed() {
			return r
		}
		p = r.Payload()
	}
	return Retained(p)
}

// Handle claims payloads of concrete type T and passes them to fn.
// Everything else is retained for the next link.
func Handle[T pb.Payload](fn func(id ConnectionID, p T)) Dispatcher {
	return DispatcherFunc(func(id ConnectionID, p pb.Payload) Result {
		m, ok := p.(T)
		if !ok {
			return Retained(p)
		}
		fn(id, m)
		return Consumed()
	})
}

// HandleKinds claims any payload whose kind is in kinds.
func HandleKinds(fn func(id ConnectionID, p pb.Payload), kinds ...pb.Kind) Dispatcher {
	set := make(map[pb.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return DispatcherFunc(func(id ConnectionID, p pb.Payload) Result {
		if _, ok := set[p.Kind()]; !ok {
			return Retained(p)
		}
		fn(id, p)
		return Consumed()
	})
}

// Delivery is a payload tagged with the connection it arrived on.
type Delivery[T pb.Payload] struct {
	Conn    ConnectionID
	Payload T
}

// Forward claims payloads of type T and delivers them to a consumer's
// mailbox. The send blocks while the mailbox is full, which backs up the
// connection's read loop. A nil mailbox yields a nil Dispatcher, which
// Chain skips.
func Forward[T pb.Payload](mailbox chan<- Delivery[T]) Dispatcher {
	if mailbox == nil {
		return nil
	}
	return Handle(func(id ConnectionID, p T) {
		mailbox <- Delivery[T]{Conn: id, Payload: p}
	})
}

// ForwardKinds is Forward for a union of kinds.
func ForwardKinds(mailbox chan<- Delivery[pb.Payload], kinds ...pb.Kind) Dispatcher {
	if mailbox == nil {
		return nil
	}
	return HandleKinds(func(id ConnectionID, p pb.Payload) {
		mailbox <- Delivery[pb.Payload]{Conn: id, Payload: p}
	}, kinds...)
}
