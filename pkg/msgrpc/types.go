/*
Package msgrpc contains a set of types used for JSON-RPC communication with
message status providers. It defines basic request/response types as well as
a set of errors and events used by message status subscriptions.
*/
package msgrpc

import (
	"encoding/json"

	"github.com/nspcc-dev/msgmon/pkg/msgmon"
)

const (
	// JSONRPCVersion is the only JSON-RPC protocol version supported.
	JSONRPCVersion = "2.0"
)

// Methods used by message status providers.
const (
	// SubscribeMethod subscribes to events, its parameters are an event name
	// and an event-specific filter. It returns a subscription ID.
	SubscribeMethod = "subscribe"
	// UnsubscribeMethod drops the subscription with the given ID.
	UnsubscribeMethod = "unsubscribe"
	// SendMessageMethod broadcasts a base64-encoded message body, it returns
	// the message hash.
	SendMessageMethod = "sendmessage"
)

type (
	// Request represents JSON-RPC request.
	Request struct {
		// JSONRPC is the protocol version, only valid when it contains JSONRPCVersion.
		JSONRPC string `json:"jsonrpc"`
		// Method is the method being called.
		Method string `json:"method"`
		// Params is a set of method-specific parameters passed to the call.
		Params []interface{} `json:"params"`
		// ID is an identifier associated with this request.
		ID uint64 `json:"id"`
	}

	// Header is a generic JSON-RPC 2.0 response header (ID and JSON-RPC version).
	Header struct {
		ID      json.RawMessage `json:"id"`
		JSONRPC string          `json:"jsonrpc"`
	}

	// HeaderAndError adds an Error (that can be empty) to the Header.
	HeaderAndError struct {
		Header
		Error *Error `json:"error,omitempty"`
	}

	// Response represents a standard raw JSON-RPC 2.0
	// response: http://www.jsonrpc.org/specification#response_object.
	Response struct {
		HeaderAndError
		Result json.RawMessage `json:"result,omitempty"`
	}

	// Notification is a type used to represent wire format of events, they're
	// special in that they look like requests but they don't have IDs and their
	// "method" is actually an event name.
	Notification struct {
		JSONRPC string        `json:"jsonrpc"`
		Event   EventID       `json:"method"`
		Payload []interface{} `json:"params"`
	}

	// MessageFilter is a filter for message status events, only events for
	// the listed messages are sent.
	MessageFilter struct {
		Messages []msgmon.MessageMonitoringParams `json:"messages"`
	}

	// SendMessageResult is returned from SendMessageMethod.
	SendMessageResult struct {
		Hash string `json:"hash"`
	}
)

// NewRequest creates a request for the given method.
func NewRequest(id uint64, method string, params ...interface{}) *Request {
	if params == nil {
		params = []interface{}{}
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// NewMessageStatusNotification creates a notification carrying results for
// the given subscription.
func NewMessageStatusNotification(subID string, results []msgmon.MessageMonitoringResult) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Event:   MessageStatusEventID,
		Payload: []interface{}{subID, results},
	}
}
