package transport

import (
	"encoding/json"
	"time"

	"github.com/ggoodman/sessionsync-go/session"
)

// CreateHandleRequest is the body of POST /v1/handles.
type CreateHandleRequest struct {
	Ref     session.Reference `json:"ref"`
	Invitee string            `json:"invitee,omitempty"`
}

// CreateHandleResponse is returned by POST /v1/handles.
type CreateHandleResponse struct {
	ID string `json:"id"`
}

// TicketRequest is the body of POST /v1/hoppers/{scid}/{hopper}/tickets.
type TicketRequest struct {
	// TicketSession is the session whose members are matched together.
	TicketSession session.Reference `json:"ticketSession"`
	Attributes    json.RawMessage   `json:"attributes,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
}

// TicketResponse is returned when a ticket is accepted.
type TicketResponse struct {
	TicketID    string        `json:"ticketId"`
	TypicalWait time.Duration `json:"typicalWait,omitempty"`
}

// ErrorBody is the JSON error envelope written by the directory.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
