package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RPCMessage is one protocol frame. A frame carries either a request or
// a response, never both, plus the signatures over the carried data.
type RPCMessage struct {
	Req *RPCData    `json:"req,omitempty" validate:"required_without=Res,excluded_with=Res"`
	Res *RPCData    `json:"res,omitempty" validate:"required_without=Req,excluded_with=Req"`
	Sig []Signature `json:"sig"`
}

// ParseRPCMessage decodes a raw frame into an RPCMessage.
func ParseRPCMessage(data []byte) (RPCMessage, error) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RPCMessage{}, fmt.Errorf("failed to parse request: %w", err)
	}
	return msg, nil
}

// GetRequestSignersMap recovers the signer address behind each request
// signature and returns them as a set.
func (r RPCMessage) GetRequestSignersMap() (map[string]struct{}, error) {
	signers := make(map[string]struct{}, len(r.Sig))
	for _, sigHex := range r.Sig {
		recovered, err := RecoverAddress(r.Req.rawBytes, sigHex)
		if err != nil {
			return nil, err
		}
		signers[recovered] = struct{}{}
	}
	return signers, nil
}

type RPCDataParams = any

// RPCData is the request/response payload. On the wire it is the array
// [request_id, method, params, ts], not an object.
type RPCData struct {
	RequestID uint64        `json:"request_id" validate:"required"`
	Method    string        `json:"method" validate:"required"`
	Params    RPCDataParams `json:"params" validate:"required"`
	Timestamp uint64        `json:"ts" validate:"required"`

	// rawBytes holds the exact bytes the payload arrived as. Signatures
	// are verified over these bytes, never over a re-marshaling.
	rawBytes []byte
}

// UnmarshalJSON decodes the array form and keeps the original bytes for
// signature verification.
func (m *RPCData) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("error reading RPCData as array: %w", err)
	}
	if len(elems) != 4 {
		return errors.New("invalid RPCData: expected 4 elements in array")
	}

	fields := []struct {
		name string
		dest any
	}{
		{"request_id", &m.RequestID},
		{"method", &m.Method},
		{"params", &m.Params},
		{"ts", &m.Timestamp},
	}
	for i, f := range fields {
		if err := json.Unmarshal(elems[i], f.dest); err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}

	m.rawBytes = data
	return nil
}

// MarshalJSON emits the array form [RequestID, Method, Params, Timestamp].
func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		m.RequestID,
		m.Method,
		m.Params,
		m.Timestamp,
	})
}

// CreateResponse builds an unsigned response frame for the given request ID.
func CreateResponse(id uint64, method string, responseParams RPCDataParams) *RPCMessage {
	return &RPCMessage{
		Res: &RPCData{
			RequestID: id,
			Method:    method,
			Params:    responseParams,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
		Sig: []Signature{},
	}
}

// RPCError is an error whose message is meant for the client. Handlers
// that Fail with an RPCError send its text verbatim; any other error is
// masked behind a fallback message.
//
//	// client sees this exact message
//	return RPCErrorf("invalid signer identity: %s", identity)
//
//	// client sees a generic message
//	return fmt.Errorf("database connection failed")
type RPCError struct {
	err error
}

// RPCErrorf formats a client-facing error. Keep the message free of
// internal detail since it goes out on the wire unchanged.
func RPCErrorf(format string, args ...any) RPCError {
	return RPCError{err: fmt.Errorf(format, args...)}
}

func (e RPCError) Error() string {
	return e.err.Error()
}
