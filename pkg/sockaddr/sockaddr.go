// Package sockaddr turns a socket URI into a listening net.Listener.
//
// Grounded on original_source/src/socket.c's socket_open: the scheme
// prefix selects the transport (unix:, tcp:, sd:), with the bare path
// (no prefix) defaulting to unix the way the original falls back to
// its first table entry.
package sockaddr

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrNotActivated is returned for an "sd:" URI when no matching
// inherited file descriptor is present in the environment.
var ErrNotActivated = errors.New("sockaddr: no inherited socket for name")

const unixPrefix = "unix:"
const tcpPrefix = "tcp:"
const sdPrefix = "sd:"

// listenFDsStart is the first inherited fd under the systemd
// socket-activation protocol (sd_listen_fds).
const listenFDsStart = 3

// Listen opens a listening socket for uri.
//
//   - "unix:/path/to/socket" — a Unix domain socket; any stale socket
//     file at that path is removed first, matching socket.c's server-side
//     unlink before bind. A path starting with '@' is abstract.
//   - "tcp:host:port" — a TCP listener.
//   - "sd:name" — an inherited activation fd, located by name via
//     LISTEN_FDNAMES or, when unnamed, taken in order from LISTEN_FDS.
//   - a bare path with no recognized prefix is treated as "unix:path".
func Listen(uri string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(uri, unixPrefix):
		return listenUnix(strings.TrimPrefix(uri, unixPrefix))
	case strings.HasPrefix(uri, tcpPrefix):
		return net.Listen("tcp", strings.TrimPrefix(uri, tcpPrefix))
	case strings.HasPrefix(uri, sdPrefix):
		return listenActivated(strings.TrimPrefix(uri, sdPrefix))
	default:
		return listenUnix(uri)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("sockaddr: empty unix socket path")
	}
	if path[0] != '@' {
		_ = os.Remove(path)
	}
	return net.Listen("unix", path)
}

// listenActivated adopts an inherited listening fd by its activation
// name, the Go rendering of sd_listen_fds_with_names: LISTEN_FDS fds
// start at fd 3, LISTEN_FDNAMES carries their colon-separated names.
// An empty LISTEN_FDNAMES leaves every fd named after its position.
func listenActivated(name string) (net.Listener, error) {
	nfds, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || nfds <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotActivated, name)
	}
	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")
	for i := 0; i < nfds; i++ {
		fdName := strconv.Itoa(i)
		if i < len(names) && names[i] != "" {
			fdName = names[i]
		}
		if fdName != name {
			continue
		}
		f := os.NewFile(uintptr(listenFDsStart+i), name)
		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotActivated, name)
		}
		ln, err := net.FileListener(f)
		// FileListener dups the fd; the original can be closed either way.
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("sockaddr: adopt inherited fd %s: %w", name, err)
		}
		return ln, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotActivated, name)
}

// UnixPath returns the filesystem path of a unix-socket URI, or false
// for TCP, activation, and abstract-namespace sockets, which have no
// path to chmod.
func UnixPath(uri string) (string, bool) {
	var path string
	switch {
	case strings.HasPrefix(uri, unixPrefix):
		path = strings.TrimPrefix(uri, unixPrefix)
	case strings.HasPrefix(uri, tcpPrefix), strings.HasPrefix(uri, sdPrefix):
		return "", false
	default:
		path = uri
	}
	if path == "" || path[0] == '@' {
		return "", false
	}
	return path, true
}
