package dispatch

import "errors"

var (
	errUnexpectedFirstPacket = errors.New("dispatch: first packet was not Hello")
	errIdentityMismatch      = errors.New("dispatch: PacketOwner does not match certificate CN")
	errIncompatibleVersion   = errors.New("dispatch: incompatible protocol major version")
)
