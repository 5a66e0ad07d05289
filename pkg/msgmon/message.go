package msgmon

import (
	"encoding/json"
	"fmt"

	"github.com/nspcc-dev/msgmon/pkg/crypto/hash"
	"github.com/nspcc-dev/msgmon/pkg/encoding/address"
	"github.com/nspcc-dev/msgmon/pkg/util"
)

// MonitoredMessage identifies a message tracked by the monitor. It's
// immutable once created, the hash is its identity.
type MonitoredMessage struct {
	// Hash of the message.
	Hash util.Uint256
	// Address is an optional destination address of the message.
	Address *util.Uint160
	// WaitUntil is an expiration boundary of the message, UNIX timestamp in
	// seconds. The message is considered timed out if it's not resolved
	// after this moment.
	WaitUntil uint32
	// UserData is an opaque application-defined value returned along with
	// the result.
	UserData json.RawMessage

	body []byte
}

// MessageMonitoringParams is a caller-provided description of a message to
// monitor. Either Body (serialized message) or Hash must be given, the
// hash is derived from the body if it's present.
type MessageMonitoringParams struct {
	Body      []byte
	Hash      util.Uint256
	Address   *util.Uint160
	WaitUntil uint32
	UserData  json.RawMessage
}

// paramsAux is an auxiliary struct for MessageMonitoringParams JSON marshalling.
type paramsAux struct {
	Body      []byte          `json:"boc,omitempty"`
	Hash      *util.Uint256   `json:"hash,omitempty"`
	Address   string          `json:"address,omitempty"`
	WaitUntil uint32          `json:"wait_until"`
	UserData  json.RawMessage `json:"user_data,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface.
func (p MessageMonitoringParams) MarshalJSON() ([]byte, error) {
	aux := paramsAux{
		Body:      p.Body,
		WaitUntil: p.WaitUntil,
		UserData:  p.UserData,
	}
	if !p.Hash.IsZero() {
		h := p.Hash
		aux.Hash = &h
	}
	if p.Address != nil {
		aux.Address = address.Uint160ToString(*p.Address)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *MessageMonitoringParams) UnmarshalJSON(data []byte) error {
	aux := new(paramsAux)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	*p = MessageMonitoringParams{
		Body:      aux.Body,
		WaitUntil: aux.WaitUntil,
		UserData:  aux.UserData,
	}
	if aux.Hash != nil {
		p.Hash = *aux.Hash
	}
	if aux.Address != "" {
		addr, err := address.StringToUint160(aux.Address)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", aux.Address, err)
		}
		p.Address = &addr
	}
	return nil
}

// MessageHash calculates the hash of the given serialized message.
func MessageHash(body []byte) util.Uint256 {
	return hash.Sha256(body)
}

// Message validates p and returns the identity of the message described by
// it. The hash is derived from the body if it's present and then it must
// match the declared one (if any).
func (p MessageMonitoringParams) Message() (MonitoredMessage, error) {
	h := p.Hash
	if len(p.Body) != 0 {
		derived := MessageHash(p.Body)
		if !h.IsZero() && !h.Equals(derived) {
			return MonitoredMessage{}, fmt.Errorf("%w: hash %s doesn't match message body (%s)",
				ErrInvalidMessageData, h.StringLE(), derived.StringLE())
		}
		h = derived
	}
	if h.IsZero() {
		return MonitoredMessage{}, fmt.Errorf("%w: neither message body nor hash is specified", ErrInvalidMessageData)
	}
	if len(p.UserData) != 0 && !json.Valid(p.UserData) {
		return MonitoredMessage{}, fmt.Errorf("%w: user data of %s is not a valid JSON", ErrInvalidMessageData, h.StringLE())
	}
	return MonitoredMessage{
		Hash:      h,
		Address:   p.Address,
		WaitUntil: p.WaitUntil,
		UserData:  p.UserData,
		body:      p.Body,
	}, nil
}

// Params converts m back to the parameters it was created from.
func (m MonitoredMessage) Params() MessageMonitoringParams {
	return MessageMonitoringParams{
		Body:      m.body,
		Hash:      m.Hash,
		Address:   m.Address,
		WaitUntil: m.WaitUntil,
		UserData:  m.UserData,
	}
}
