// Package activation opens the webhook listener, preferring a socket
// passed in by the service manager (LISTEN_PID / LISTEN_FDS) over binding
// the configured address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first inherited descriptor; 0-2 are the standard streams.
const firstFD = 3

// Listen returns the first inherited socket when one was passed to this
// process, and a new TCP listener on addr otherwise. activated reports
// which of the two it is. Additional inherited sockets are closed.
func Listen(addr string) (l net.Listener, activated bool, err error) {
	inherited, err := listeners()
	if err != nil {
		return nil, false, err
	}
	if len(inherited) > 0 {
		for _, extra := range inherited[1:] {
			_ = extra.Close()
		}
		return inherited[0], true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

// inheritedCount returns how many sockets were passed to this process.
// Variables addressed to another process count as none.
func inheritedCount() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func listeners() ([]net.Listener, error) {
	n, err := inheritedCount()
	if err != nil || n == 0 {
		return nil, err
	}

	out := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("activated-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to open inherited fd %d", fd)
		}

		l, err := net.FileListener(file)
		_ = file.Close() // the listener holds its own dup
		if err != nil {
			for _, prev := range out {
				_ = prev.Close()
			}
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		out = append(out, l)
	}

	// Child processes such as git must not think the sockets are theirs
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return out, nil
}
