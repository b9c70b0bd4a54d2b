package hub

import "errors"

// Client errors. All of these describe transient network conditions: the
// caller's correct response is to retry later, never to crash.
var (
	// ErrTimeout means no correlated reply arrived within the request
	// timeout. The request may still be acted on by the hub; the reply was
	// lost or late and will be discarded if it eventually shows up.
	ErrTimeout = errors.New("request timed out")

	// ErrNoReply means a discovery query elicited zero replies within its
	// collection window. Normal when the hub is offline or still booting.
	ErrNoReply = errors.New("no discovery reply")

	// ErrNoToken means no session token is cached for the hub because no
	// discovery reply from it has been seen this session. Run discovery
	// first.
	ErrNoToken = errors.New("no session token for hub")
)
