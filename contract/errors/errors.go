package errors

// Error codes for the event bus contracts. Keep stable; used across adapters, dispatcher and service.
const (
	ErrCodeConfiguration       = "eventbus.configuration"
	ErrCodeValidation          = "eventbus.validation"
	ErrCodeTransport           = "eventbus.transport"
	ErrCodeDecoding            = "eventbus.decoding"
	ErrCodeSerializationFailed = "eventbus.serialization_failed"
	ErrCodeHandlerExists       = "eventbus.handler_exists"
	ErrCodeHandlerNotFound     = "eventbus.handler_not_found"
	ErrCodeAcceptingStarted    = "eventbus.accepting_started"
	ErrCodeNoHandlers          = "eventbus.no_handlers"
	ErrCodeDispatcherClosed    = "eventbus.dispatcher_closed"
	ErrCodeAlreadyRunning      = "eventbus.already_running"
	ErrCodeTypeMismatch        = "eventbus.type_mismatch"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	// ErrConfiguration reports a missing capability at construction time (nil client, nil dispatcher).
	ErrConfiguration = Code(ErrCodeConfiguration)
	// ErrValidation reports malformed input: connection URLs, channel names, container entries.
	ErrValidation = Code(ErrCodeValidation)
	// ErrTransport reports a lost connection or a failed publish.
	ErrTransport = Code(ErrCodeTransport)
	// ErrDecoding reports an inbound message that is not valid UTF-8 or not valid JSON.
	ErrDecoding = Code(ErrCodeDecoding)

	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrAcceptingStarted    = Code(ErrCodeAcceptingStarted)
	ErrNoHandlers          = Code(ErrCodeNoHandlers)
	ErrDispatcherClosed    = Code(ErrCodeDispatcherClosed)
	ErrAlreadyRunning      = Code(ErrCodeAlreadyRunning)
	// ErrTypeMismatch reports a body or result that does not fit the requested Go type.
	ErrTypeMismatch = Code(ErrCodeTypeMismatch)
)
