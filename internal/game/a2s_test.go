package game

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/config"
)

// TestProbeSilentServer verifies a server that never answers yields an error.
func TestProbeSilentServer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	p := NewProber(config.A2S{Timeout: 200 * time.Millisecond, BufferSize: 1400})

	_, err = p.Probe("127.0.0.1", port)
	require.Error(t, err)
}
