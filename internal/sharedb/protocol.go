package sharedb

import (
	"encoding/json"
	"fmt"
)

// Wire actions.
const (
	actionInit      = "init"
	actionHandshake = "hs"
	actionSubscribe = "s"
	actionOp        = "op"
)

// message is one ShareDB protocol frame. Only the fields cellwatch reads are decoded.
type message struct {
	A     string       `json:"a"`
	C     string       `json:"c,omitempty"`
	D     string       `json:"d,omitempty"`
	V     *int64       `json:"v,omitempty"`
	Op    []Component  `json:"op,omitempty"`
	Del   bool         `json:"del,omitempty"`
	Data  *snapshot    `json:"data,omitempty"`
	Error *ServerError `json:"error,omitempty"`
}

type snapshot struct {
	V    int64           `json:"v"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerError is an error frame returned by the server.
type ServerError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("sharedb: server error %v: %s", e.Code, e.Message)
}

func encodeHandshake() []byte {
	return []byte(`{"a":"hs","id":null}`)
}

func encodeSubscribe(collection, id string) ([]byte, error) {
	return json.Marshal(struct {
		A string `json:"a"`
		C string `json:"c"`
		D string `json:"d"`
	}{A: actionSubscribe, C: collection, D: id})
}
