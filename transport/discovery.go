package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// DiscoveryPath returns the well-known file used to advertise the debug
// listen address of process pid. The base directory defaults to /tmp and can
// be overridden with TMPDIR.
func DiscoveryPath(pid int) string {
	tmpdir := os.Getenv("TMPDIR")
	if tmpdir == "" {
		tmpdir = "/tmp"
	}
	return filepath.Join(tmpdir, fmt.Sprintf("TASKDBG-%d", pid))
}

// WriteDiscoveryFile persists the bound address as "host:port" UTF-8 text so
// an out-of-process peer can find the listener. Written only in listen mode
// once the socket is bound.
func WriteDiscoveryFile(pid int, addr net.Addr) error {
	path := DiscoveryPath(pid)
	logrus.Infof("[discovery] writing %s to %s", addr.String(), path)
	return os.WriteFile(path, []byte(addr.String()), 0o644)
}

// RemoveDiscoveryFile cleans up the advertisement on shutdown.
func RemoveDiscoveryFile(pid int) {
	_ = os.Remove(DiscoveryPath(pid))
}
