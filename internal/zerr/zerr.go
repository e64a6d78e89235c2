// Package zerr defines the integer error-code taxonomy shared by every
// layer of the client, plus the glue that lets those codes ride regular
// Go error chains.
//
// Codes are stable protocol-level classifications (a parse failure is a
// parse failure regardless of which message tripped it); the wrapped
// cause carries the detail.
package zerr

import (
	"errors"
	"fmt"
)

// Code classifies an error. The zero value is OK.
type Code int

const (
	// OK indicates success.
	OK Code = 0

	// SystemOutOfMemory indicates an allocation failure in a hot path.
	SystemOutOfMemory Code = -1

	// SystemGeneric indicates an unclassified system failure.
	SystemGeneric Code = -2

	// SystemTaskFailed indicates a background task (read/lease) died.
	SystemTaskFailed Code = -3

	// Invalid indicates an invalid argument or object state.
	Invalid Code = -10

	// Overflow indicates a counter or buffer exceeded its bound.
	Overflow Code = -11

	// Underflow indicates a read past the available data.
	Underflow Code = -12

	// Null indicates an operation on an empty/null handle.
	Null Code = -13

	// ParseZint indicates a malformed variable-length integer.
	ParseZint Code = -20

	// ParseBytes indicates a malformed length-delimited byte field.
	ParseBytes Code = -21

	// ParseString indicates a malformed string field.
	ParseString Code = -22

	// ParseResKey indicates a malformed wire resource key.
	ParseResKey Code = -23

	// ParseDeclaration indicates a malformed declaration body.
	ParseDeclaration Code = -24

	// ParseDataInfo indicates a malformed data-info block.
	ParseDataInfo Code = -25

	// ParseTimestamp indicates a malformed timestamp.
	ParseTimestamp Code = -26

	// ParsePeriod indicates a malformed subscriber period.
	ParsePeriod Code = -27

	// ParseSubMode indicates a malformed subscription mode.
	ParseSubMode Code = -28

	// ParseConsolidation indicates a malformed consolidation descriptor.
	ParseConsolidation Code = -29

	// MessageUnexpected indicates a message arrived out of protocol order.
	MessageUnexpected Code = -40

	// MessageSerializationFailed indicates an encode failure on the TX path.
	MessageSerializationFailed Code = -41

	// MessageDeserializationFailed indicates a decode failure on the RX path.
	MessageDeserializationFailed Code = -42

	// MessageTransportUnknown indicates an unknown transport message id.
	MessageTransportUnknown Code = -43

	// TransportNotAvailable indicates no transport could be located.
	TransportNotAvailable Code = -50

	// TransportOpenFailed indicates the open handshake failed.
	TransportOpenFailed Code = -51

	// TransportOpenSNResolution indicates SN-resolution negotiation failed.
	TransportOpenSNResolution Code = -52

	// TransportNoSpace indicates the TX batch cannot fit the message.
	TransportNoSpace Code = -53

	// ConfigUnsupportedClientMulticast indicates a client-mode session was
	// asked to open a multicast transport.
	ConfigUnsupportedClientMulticast Code = -60

	// DidNotRead indicates a link read returned no data.
	DidNotRead Code = -70

	// EDeserialize indicates a user-level payload deserialization failure.
	EDeserialize Code = -71

	// ETimedout indicates a deadline elapsed.
	ETimedout Code = -72
)

// codeNames maps codes to their canonical names.
var codeNames = map[Code]string{
	OK:                               "OK",
	SystemOutOfMemory:                "SYSTEM_OUT_OF_MEMORY",
	SystemGeneric:                    "SYSTEM_GENERIC",
	SystemTaskFailed:                 "SYSTEM_TASK_FAILED",
	Invalid:                          "INVALID",
	Overflow:                         "OVERFLOW",
	Underflow:                        "UNDERFLOW",
	Null:                             "NULL",
	ParseZint:                        "PARSE_ZINT",
	ParseBytes:                       "PARSE_BYTES",
	ParseString:                      "PARSE_STRING",
	ParseResKey:                      "PARSE_RESKEY",
	ParseDeclaration:                 "PARSE_DECLARATION",
	ParseDataInfo:                    "PARSE_DATA_INFO",
	ParseTimestamp:                   "PARSE_TIMESTAMP",
	ParsePeriod:                      "PARSE_PERIOD",
	ParseSubMode:                     "PARSE_SUB_MODE",
	ParseConsolidation:               "PARSE_CONSOLIDATION",
	MessageUnexpected:                "MESSAGE_UNEXPECTED",
	MessageSerializationFailed:       "MESSAGE_SERIALIZATION_FAILED",
	MessageDeserializationFailed:     "MESSAGE_DESERIALIZATION_FAILED",
	MessageTransportUnknown:          "MESSAGE_TRANSPORT_UNKNOWN",
	TransportNotAvailable:            "TRANSPORT_NOT_AVAILABLE",
	TransportOpenFailed:              "TRANSPORT_OPEN_FAILED",
	TransportOpenSNResolution:        "TRANSPORT_OPEN_SN_RESOLUTION",
	TransportNoSpace:                 "TRANSPORT_NO_SPACE",
	ConfigUnsupportedClientMulticast: "CONFIG_UNSUPPORTED_CLIENT_MULTICAST",
	DidNotRead:                       "DID_NOT_READ",
	EDeserialize:                     "EDESERIALIZE",
	ETimedout:                        "ETIMEDOUT",
}

// String returns the canonical name for the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Error couples a Code with an optional wrapped cause.
type Error struct {
	Code  Code
	cause error
}

// New returns an Error carrying code with no cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap returns an Error carrying code around cause. A nil cause is
// equivalent to New.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// Errorf returns an Error carrying code around a formatted cause.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, cause: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.cause.Error()
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality so errors.Is(err, zerr.New(zerr.Overflow))
// matches any Overflow regardless of cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the Code from an error chain. A nil error is OK;
// an error with no embedded Code is SystemGeneric.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return SystemGeneric
}
