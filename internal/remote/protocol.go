package remote

import "errors"

// Hub wire protocol. Every WebSocket message is one JSON frame. Requests
// carry a client-chosen ID echoed by the matching reply; event frames carry
// the client-chosen subscription ID instead.
//
//	client → hub: get, set, update, remove, query, cas, subscribe, unsubscribe
//	hub → client: result, error, event

const (
	opGet         = "get"
	opSet         = "set"
	opUpdate      = "update"
	opRemove      = "remove"
	opQuery       = "query"
	opCAS         = "cas"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	opResult = "result"
	opError  = "error"
	opEvent  = "event"
)

type frame struct {
	ID   uint64 `json:"id,omitempty"`
	Op   string `json:"op"`
	Path string `json:"path,omitempty"`

	Value    map[string]any `json:"value,omitempty"`
	Query    *Query         `json:"query,omitempty"`
	Since    int64          `json:"since,omitempty"`
	Expected int64          `json:"expected,omitempty"`
	Sub      uint64         `json:"sub,omitempty"`

	Entry    *Entry    `json:"entry,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Event    *Event    `json:"event,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// errFrame builds the error reply to request id.
func errFrame(id uint64, err error) frame {
	msg := err.Error()

	var re *Error
	if errors.As(err, &re) {
		msg = re.Message
	}

	return frame{ID: id, Op: opError, Code: codeFor(err), Message: msg}
}
