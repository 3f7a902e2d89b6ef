package activation

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, pid, fds string) {
	t.Helper()
	t.Setenv("LISTEN_PID", pid)
	t.Setenv("LISTEN_FDS", fds)
}

func TestInheritedCount(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		want    int
		wantErr bool
	}{
		{name: "no environment", pid: "", fds: "", want: 0},
		{name: "other process", pid: "99999999", fds: "1", want: 0},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "not-a-number", wantErr: true},
		{name: "missing fds", pid: self, fds: "", want: 0},
		{name: "zero fds", pid: self, fds: "0", want: 0},
		{name: "negative fds", pid: self, fds: "-2", want: 0},
		{name: "two fds", pid: self, fds: "2", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.pid, tt.fds)
			n, err := inheritedCount()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestListen_BindsAddressWithoutActivation(t *testing.T) {
	setEnv(t, "", "")

	l, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.False(t, activated)
	assert.Equal(t, "tcp", l.Addr().Network())
}

func TestListen_ForeignActivationIsIgnored(t *testing.T) {
	setEnv(t, "99999999", "1")

	l, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.False(t, activated)
}

func TestListen_Errors(t *testing.T) {
	setEnv(t, "not-a-number", "1")
	_, _, err := Listen("127.0.0.1:0")
	assert.ErrorContains(t, err, "LISTEN_PID")

	setEnv(t, "", "")
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	_, _, err = Listen(busy.Addr().String())
	assert.ErrorContains(t, err, "failed to listen")
}
