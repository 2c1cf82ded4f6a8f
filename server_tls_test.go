package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTLSServerAcceptsTrustedClient(t *testing.T) {
	serverCert := generateSelfSignedCert(t)
	clientCert := generateSelfSignedCert(t)

	th := &tcpTestHandler{}
	server, err := NewServer(ServerConfiguration{
		URL:           "tcp+tls://127.0.0.1:15602",
		Timeout:       2 * time.Second,
		TLSServerCert: &serverCert,
		TLSClientCAs:  certPool(clientCert),
	}, th)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client, err := NewClient(ClientConfiguration{
		URL:           "tcp+tls://127.0.0.1:15602",
		Timeout:       2 * time.Second,
		TLSClientCert: &clientCert,
		TLSRootCAs:    certPool(serverCert),
	})
	require.NoError(t, err)
	client.Open()
	t.Cleanup(client.Shutdown)

	require.Eventually(t, func() bool {
		_, err := client.ReadHoldingRegisters(0, 1)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTLSServerRejectsUntrustedClient(t *testing.T) {
	serverCert := generateSelfSignedCert(t)
	clientCert := generateSelfSignedCert(t)
	otherCert := generateSelfSignedCert(t)

	th := &tcpTestHandler{}
	server, err := NewServer(ServerConfiguration{
		URL:           "tcp+tls://127.0.0.1:15603",
		Timeout:       2 * time.Second,
		TLSServerCert: &serverCert,
		TLSClientCAs:  certPool(otherCert),
	}, th)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client, err := NewClient(ClientConfiguration{
		URL:           "tcp+tls://127.0.0.1:15603",
		Timeout:       500 * time.Millisecond,
		TLSClientCert: &clientCert,
		TLSRootCAs:    certPool(serverCert),
	})
	require.NoError(t, err)
	client.Open()
	t.Cleanup(client.Shutdown)

	_, err = client.ReadHoldingRegisters(0, 1)
	require.Error(t, err)
}
