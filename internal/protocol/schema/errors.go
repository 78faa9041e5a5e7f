package schema

import "fmt"

// ServerError is the error code carried by an ERROR reply.
type ServerError uint32

const (
	ErrAccessDenied          ServerError = 1
	ErrUnknownCommand        ServerError = 2
	ErrInvalidArgument       ServerError = 3
	ErrEntityExists          ServerError = 4
	ErrNoSuchEntity          ServerError = 5
	ErrConnectionRefused     ServerError = 6
	ErrProtocolError         ServerError = 7
	ErrTimeout               ServerError = 8
	ErrNoAuthenticationKey   ServerError = 9
	ErrInternal              ServerError = 10
	ErrConnectionTerminated  ServerError = 11
	ErrEntityKilled          ServerError = 12
	ErrInvalidServer         ServerError = 13
	ErrModuleInitFailed      ServerError = 14
	ErrBadState              ServerError = 15
	ErrNoData                ServerError = 16
	ErrIncompatibleVersion   ServerError = 17
	ErrTooLarge              ServerError = 18
	ErrNotSupported          ServerError = 19
	ErrUnknownErrorCode      ServerError = 20
	ErrNoSuchExtension       ServerError = 21
	ErrObsoleteFunctionality ServerError = 22
	ErrMissingImplementation ServerError = 23
	ErrClientForked          ServerError = 24
	ErrIO                    ServerError = 25
	ErrBusy                  ServerError = 26
)

var serverErrorText = [...]string{
	ErrAccessDenied:          "access denied",
	ErrUnknownCommand:        "unknown command",
	ErrInvalidArgument:       "invalid argument",
	ErrEntityExists:          "entity exists",
	ErrNoSuchEntity:          "no such entity",
	ErrConnectionRefused:     "connection refused",
	ErrProtocolError:         "protocol error",
	ErrTimeout:               "timeout",
	ErrNoAuthenticationKey:   "no authentication key",
	ErrInternal:              "internal error",
	ErrConnectionTerminated:  "connection terminated",
	ErrEntityKilled:          "entity killed",
	ErrInvalidServer:         "invalid server",
	ErrModuleInitFailed:      "module initialization failed",
	ErrBadState:              "bad state",
	ErrNoData:                "no data",
	ErrIncompatibleVersion:   "incompatible protocol version",
	ErrTooLarge:              "too large",
	ErrNotSupported:          "not supported",
	ErrUnknownErrorCode:      "unknown error code",
	ErrNoSuchExtension:       "no such extension",
	ErrObsoleteFunctionality: "obsolete functionality",
	ErrMissingImplementation: "missing implementation",
	ErrClientForked:          "client forked",
	ErrIO:                    "input/output error",
	ErrBusy:                  "device or resource busy",
}

func (e ServerError) Error() string {
	if int(e) < len(serverErrorText) && serverErrorText[e] != "" {
		return "pulseaudio: " + serverErrorText[e]
	}
	return fmt.Sprintf("pulseaudio: error code %d", uint32(e))
}
