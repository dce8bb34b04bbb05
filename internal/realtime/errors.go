package realtime

import "errors"

var (
	// Transient transport
	ErrConnectionLost = errors.New("connection lost")
	ErrSessionClosed  = errors.New("session closed")
	ErrSlowConsumer   = errors.New("connection send buffer full")

	// Authority
	ErrAuthRejected     = errors.New("auth rejected")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrIdentityMismatch = errors.New("participant does not match authenticated identity")

	// Protocol
	ErrMalformedEvent           = errors.New("malformed event")
	ErrUnknownEvent             = errors.New("unknown event type")
	ErrNotJoined                = errors.New("participant has not joined the session")
	ErrWrongSession             = errors.New("event addressed to another session")
	ErrEmptyContent             = errors.New("message content is empty")
	ErrContentTooLong           = errors.New("message content is too long")
	ErrUnknownExchange          = errors.New("unknown streaming exchange")
	ErrExchangeExists           = errors.New("streaming exchange already exists")
	ErrExchangeAlreadyFinalized = errors.New("streaming exchange already finalized")
	ErrExchangeAborted          = errors.New("streaming exchange aborted")
	ErrInvalidTimerMode         = errors.New("invalid timer mode")

	// Upstream
	ErrPersistenceFailed = errors.New("message could not be persisted")
	ErrUpstreamFailed    = errors.New("upstream completion failed")
)

type Category string

const (
	CategoryTransient Category = "transient"
	CategoryProtocol  Category = "protocol"
	CategoryAuthority Category = "authority"
	CategoryUpstream  Category = "upstream"
	CategoryUnknown   Category = "unknown"
)

var categories = []struct {
	category Category
	errs     []error
}{
	{CategoryTransient, []error{ErrConnectionLost, ErrSessionClosed, ErrSlowConsumer}},
	{CategoryAuthority, []error{ErrAuthRejected, ErrRoomNotFound, ErrRoomExists, ErrIdentityMismatch}},
	{CategoryProtocol, []error{
		ErrMalformedEvent, ErrUnknownEvent, ErrNotJoined, ErrWrongSession, ErrEmptyContent,
		ErrContentTooLong, ErrUnknownExchange, ErrExchangeExists, ErrExchangeAlreadyFinalized,
		ErrExchangeAborted, ErrInvalidTimerMode,
	}},
	{CategoryUpstream, []error{ErrPersistenceFailed, ErrUpstreamFailed}},
}

// CategoryOf classifies err into the engine's error taxonomy.
func CategoryOf(err error) Category {
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}

var errorCodes = map[error]string{
	ErrSessionClosed:            "session_closed",
	ErrRoomNotFound:             "room_not_found",
	ErrIdentityMismatch:         "identity_mismatch",
	ErrMalformedEvent:           "malformed_event",
	ErrUnknownEvent:             "unknown_event",
	ErrNotJoined:                "not_joined",
	ErrWrongSession:             "wrong_session",
	ErrEmptyContent:             "empty_content",
	ErrContentTooLong:           "content_too_long",
	ErrUnknownExchange:          "unknown_exchange",
	ErrExchangeExists:           "exchange_exists",
	ErrExchangeAlreadyFinalized: "exchange_already_finalized",
	ErrExchangeAborted:          "exchange_aborted",
	ErrInvalidTimerMode:         "invalid_timer_mode",
	ErrPersistenceFailed:        "persistence_failed",
	ErrUpstreamFailed:           "upstream_failed",
}

// ErrorCode is the machine readable code carried by "error" events.
func ErrorCode(err error) string {
	for target, code := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "internal"
}
