// Package activation picks up listening sockets passed by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// sockets describes the file descriptors systemd handed to this process
type sockets struct {
	count int
	names []string
}

// index returns the position of the socket to serve on. An empty name
// selects the first socket.
func (s sockets) index(name string) (int, bool) {
	if name == "" {
		return 0, s.count > 0
	}
	for i, n := range s.names {
		if n == name && i < s.count {
			return i, true
		}
	}
	return 0, false
}

// parseEnv reads the LISTEN_* variables. It returns nil if activation is
// absent or addressed to a different process.
func parseEnv(getenv func(string) string, pid int) (*sockets, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return nil, nil
	}

	s := &sockets{count: count}
	if names := getenv("LISTEN_FDNAMES"); names != "" {
		s.names = strings.Split(names, ":")
	}
	return s, nil
}

// Listener returns the systemd-activated listener named name (see
// FileDescriptorName= in systemd.socket), or the first passed socket when
// name is empty. It returns nil if the process was not socket activated.
// Sockets that are not selected are closed.
func Listener(name string) (net.Listener, error) {
	s, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || s == nil {
		return nil, err
	}

	// Child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	idx, ok := s.index(name)
	if !ok {
		closeFDs(s.count, -1)
		return nil, fmt.Errorf("no activated socket named %q among %d passed", name, s.count)
	}
	closeFDs(s.count, idx)

	fd := firstFD + idx
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", idx))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return listener, nil
}

// closeFDs closes every passed descriptor except keep
func closeFDs(count, keep int) {
	for i := 0; i < count; i++ {
		if i == keep {
			continue
		}
		if f := os.NewFile(uintptr(firstFD+i), ""); f != nil {
			_ = f.Close()
		}
	}
}
