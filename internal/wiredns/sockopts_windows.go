//go:build windows

package wiredns

// SO_REUSEPORT has no Windows equivalent; net.ListenConfig already sets
// SO_REUSEADDR on Windows sockets, which is enough to let this process
// rebind the port after a restart.
func setReusePort(fd uintptr) error {
	return nil
}
