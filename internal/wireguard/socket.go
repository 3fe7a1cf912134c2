package wireguard

import "path/filepath"

// SocketSuffix ends the file name of every userspace control socket.
const SocketSuffix = ".sock"

// SocketPath returns the control socket path for the interface name under
// dir.
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name+SocketSuffix)
}
