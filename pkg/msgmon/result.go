package msgmon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nspcc-dev/msgmon/pkg/util"
)

// MessageMonitoringStatus is a processing status of a monitored message.
type MessageMonitoringStatus byte

const (
	// Finalized means the message was processed and its transaction was
	// included into a finalized block. It's a terminal status.
	Finalized MessageMonitoringStatus = iota + 1
	// Timeout means the message wasn't processed before its wait_until
	// boundary. It's a terminal status.
	Timeout
	// RejectedByFullNode means the node failed to execute the message against
	// the actual state, so it wasn't passed further. It's reported along with
	// the error and resolves the message.
	RejectedByFullNode
	// IncludedIntoBlock means the transaction is in a block that is not
	// finalized yet. It's an intermediate status that doesn't resolve the
	// message unless accompanied by an error.
	IncludedIntoBlock
)

// String implements the fmt.Stringer interface.
func (s MessageMonitoringStatus) String() string {
	switch s {
	case Finalized:
		return "FINALIZED"
	case Timeout:
		return "TIMEOUT"
	case RejectedByFullNode:
		return "REJECTED_BY_FULL_NODE"
	case IncludedIntoBlock:
		return "INCLUDED_INTO_BLOCK"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts the given string into a MessageMonitoringStatus.
func ParseStatus(s string) (MessageMonitoringStatus, error) {
	switch s {
	case "FINALIZED":
		return Finalized, nil
	case "TIMEOUT":
		return Timeout, nil
	case "REJECTED_BY_FULL_NODE":
		return RejectedByFullNode, nil
	case "INCLUDED_INTO_BLOCK":
		return IncludedIntoBlock, nil
	default:
		return 0, fmt.Errorf("unknown message status %q", s)
	}
}

// IsTerminal tells whether the status is final for the message.
func (s MessageMonitoringStatus) IsTerminal() bool {
	return s == Finalized || s == Timeout || s == RejectedByFullNode
}

// MarshalJSON implements the json.Marshaler interface.
func (s MessageMonitoringStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *MessageMonitoringStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MessageMonitoringTransactionCompute contains compute phase details of the
// transaction.
type MessageMonitoringTransactionCompute struct {
	ExitCode int32 `json:"exit_code"`
	GasUsed  int64 `json:"gas_used"`
	Success  bool  `json:"success"`
}

// MessageMonitoringTransaction describes the transaction produced by the
// message.
type MessageMonitoringTransaction struct {
	// Hash is missing when the transaction was emulated.
	Hash *util.Uint256 `json:"hash,omitempty"`
	// Block is a hash of the block containing the transaction.
	Block   *util.Uint256                        `json:"block,omitempty"`
	Aborted bool                                 `json:"aborted"`
	Compute *MessageMonitoringTransactionCompute `json:"compute,omitempty"`
}

// MessageMonitoringResult is a resolved processing result of a monitored
// message.
type MessageMonitoringResult struct {
	Hash        util.Uint256                  `json:"hash"`
	Status      MessageMonitoringStatus       `json:"status"`
	Transaction *MessageMonitoringTransaction `json:"transaction,omitempty"`
	// Error is a per-message error reported by the provider.
	Error string `json:"error,omitempty"`
	// UserData is the value passed along with the monitored message.
	UserData json.RawMessage `json:"user_data,omitempty"`
}

// Err returns per-message error wrapped into ErrProviderCallback or nil if
// there is none.
func (r MessageMonitoringResult) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrProviderCallback, r.Error)
}

// resolves tells whether r is final for its message.
func (r MessageMonitoringResult) resolves() bool {
	return r.Status.IsTerminal() || r.Error != ""
}

// MonitoringQueueInfo is a summary of the monitoring queue state.
type MonitoringQueueInfo struct {
	Queue string `json:"queue"`
	// Unresolved is the number of messages waiting for their results.
	Unresolved uint32 `json:"unresolved"`
	// Resolved is the number of results not yet fetched.
	Resolved uint32 `json:"resolved"`
}

// WaitMode controls the moment WaitFor returns.
type WaitMode byte

const (
	// NoWait makes WaitFor return immediately with whatever is resolved.
	NoWait WaitMode = iota
	// AtLeastOne makes WaitFor wait for at least one resolved result or
	// the deadline.
	AtLeastOne
	// All makes WaitFor wait until all unresolved messages are resolved.
	All
)

var errUnknownWaitMode = errors.New("unknown wait mode")

// String implements the fmt.Stringer interface.
func (w WaitMode) String() string {
	switch w {
	case NoWait:
		return "no-wait"
	case AtLeastOne:
		return "at-least-one"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// ParseWaitMode converts the given string into a WaitMode.
func ParseWaitMode(s string) (WaitMode, error) {
	switch s {
	case "no-wait", "NoWait", "NO_WAIT":
		return NoWait, nil
	case "at-least-one", "AtLeastOne", "AT_LEAST_ONE":
		return AtLeastOne, nil
	case "all", "All", "ALL":
		return All, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownWaitMode, s)
	}
}
