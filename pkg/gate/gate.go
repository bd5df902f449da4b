// Package gate decides whether a file transfer may proceed in a given
// direction for the local side of a connection.
package gate

import (
	"errors"
	"fmt"
)

// Direction of a transfer relative to the local side
type Direction string

const (
	Send    Direction = "send"
	Receive Direction = "receive"
)

// Role of the local side. The client initiates the connection and always
// pushes its own changes.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// RejectedMessage is reported to a server that pushes to a client without two-way enabled
const RejectedMessage = "Rejected file sent from server. Set --two-way option to enable"

// ErrRejected is matched by every refusal returned from Allow
var ErrRejected = errors.New("transfer rejected")

// Policy carries the local flags that authorize transfers
type Policy struct {
	// AcceptIncoming allows the peer to push files to this side
	AcceptIncoming bool
}

// State is the protocol state a decision depends on
type State struct {
	Authenticated  bool
	BoundDirectory string
	TwoWayEnabled  bool
}

// Rejection explains why a transfer was refused
type Rejection struct {
	Direction Direction
	Reason    string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// Gate applies a role's authorization rules
type Gate struct {
	Role   Role
	Policy Policy
}

// Allow returns nil when a transfer in direction d may proceed, otherwise
// a *Rejection.
func (g Gate) Allow(d Direction, st State) error {
	switch d {
	case Send, Receive:
	default:
		return &Rejection{Direction: d, Reason: fmt.Sprintf("unknown direction %q", d)}
	}

	if g.Role == RoleClient {
		if d == Receive && !g.Policy.AcceptIncoming {
			return &Rejection{Direction: d, Reason: RejectedMessage}
		}
		return nil
	}

	if !st.Authenticated {
		return &Rejection{Direction: d, Reason: "not authenticated"}
	}
	if st.BoundDirectory == "" {
		return &Rejection{Direction: d, Reason: "server-dir not sent or does not exist"}
	}

	switch d {
	case Receive:
		if !g.Policy.AcceptIncoming {
			return &Rejection{Direction: d, Reason: "incoming files not accepted"}
		}
	case Send:
		if !st.TwoWayEnabled {
			return &Rejection{Direction: d, Reason: "twoWay not enabled"}
		}
	}
	return nil
}
