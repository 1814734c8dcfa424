package link

import (
	"encoding/json"

	"github.com/conoscope-control/conoctl/internal/device"
)

// request is one line written to the bridge.
type request struct {
	ID   uint64          `json:"id"`
	Cmd  device.Command  `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// reply is one line read from the bridge. Payload is the executor reply
// verbatim; Data carries the record of get and status commands. Error is set
// when the bridge could not run the command at all.
type reply struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// maxLine bounds a single wire line.
const maxLine = 1 << 20
