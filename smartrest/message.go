// Package smartrest implements the line-oriented, comma separated frame format
// exchanged with the device management platform. It is independent of the
// transport: frames are encoded to strings and decoded from raw payloads.
package smartrest

import (
	"fmt"
	"slices"
)

// Well-known topics.
const (
	TopicUpstream        = "s/us"
	TopicOperations      = "s/ds"
	TopicErrors          = "s/e"
	TopicToken           = "s/dat"
	TopicTokenRequest    = "s/uat"
	TopicCustomPrefix    = "s/dc/"
	TopicBootstrapReq    = "s/ucr"
	TopicBootstrapResult = "s/dcr"
)

// Well-known message ids.
const (
	IDBootstrapCredentials = "70"
	IDTokenUpdate          = "71"
	IDDeviceIdentity       = "100"
	IDHardware             = "110"
	IDConfiguration        = "113"
	IDSupportedOperations  = "114"
	IDRequiredInterval     = "117"
	IDAgentInformation     = "122"
	IDMeasurement          = "200"
	IDEvent                = "400"
	IDPendingOperations    = "500"
	IDOperationExecuting   = "501"
	IDOperationFailed      = "502"
	IDOperationSuccessful  = "503"
	IDRestart              = "510"
	IDConfigurationUpdate  = "513"
)

// Message is a single decoded or to-be-encoded frame. Treat it as a value:
// the only sanctioned rewrite after construction is StripDeviceID.
type Message struct {
	Topic  string
	ID     string
	Values []string

	// DeviceID holds the device token removed by StripDeviceID.
	DeviceID string
}

// NewMessage builds a message, stringifying every value with fmt.Sprint.
func NewMessage(topic, id string, values ...any) Message {
	converted := make([]string, len(values))
	for i, v := range values {
		switch typed := v.(type) {
		case string:
			converted[i] = typed
		case fmt.Stringer:
			converted[i] = typed.String()
		default:
			converted[i] = fmt.Sprint(v)
		}
	}
	return Message{Topic: topic, ID: id, Values: converted}
}

// Dispatchable reports whether the message carries an id a handler could act on.
func (m Message) Dispatchable() bool {
	return m.ID != ""
}

// Value returns the value at index i or "" when out of range.
func (m Message) Value(i int) string {
	if i < 0 || i >= len(m.Values) {
		return ""
	}
	return m.Values[i]
}

// StripDeviceID returns a copy of m with the leading value removed when it
// equals serial. The removed token is kept in DeviceID.
func (m Message) StripDeviceID(serial string) Message {
	if serial == "" || len(m.Values) == 0 || m.Values[0] != serial {
		return m
	}
	stripped := m
	stripped.DeviceID = m.Values[0]
	stripped.Values = slices.Clone(m.Values[1:])
	return stripped
}

// String renders the message as its encoded frame.
func (m Message) String() string {
	return Encode(m)
}

// Executing marks an operation as EXECUTING.
func Executing(operation string) Message {
	return NewMessage(TopicUpstream, IDOperationExecuting, operation)
}

// Failed marks an operation as FAILED with the given reason.
func Failed(operation, reason string) Message {
	return NewMessage(TopicUpstream, IDOperationFailed, operation, reason)
}

// Successful marks an operation as SUCCESSFUL with optional result parameters.
func Successful(operation string, params ...string) Message {
	values := make([]any, 0, len(params)+1)
	values = append(values, operation)
	for _, p := range params {
		values = append(values, p)
	}
	return NewMessage(TopicUpstream, IDOperationSuccessful, values...)
}
