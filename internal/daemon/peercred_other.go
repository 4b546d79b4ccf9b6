//go:build !linux

package daemon

import (
	"errors"
	"fmt"
	"net"
)

// PeerCredentials is the kernel-reported identity of a socket peer.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

func (c *PeerCredentials) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.PID, c.UID, c.GID)
}

func extractPeerCreds(net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials are only available on linux")
}
