package conn

import "encoding/json"

// message is the wire shape of every protocol payload. Which fields are set
// decides what it is: a nonzero ID marks a call or its reply, a method with
// no ID marks an event addressed to the object identified by GUID. An
// absent guid addresses the root object.
type message struct {
	ID     uint64          `json:"id,omitempty"`
	GUID   string          `json:"guid,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ServerError    `json:"error,omitempty"`
}

// createParams is the params shape of a __create__ notification.
type createParams struct {
	Type        string          `json:"type"`
	GUID        string          `json:"guid"`
	Initializer json.RawMessage `json:"initializer"`
}
