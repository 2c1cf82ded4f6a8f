package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpTestHandler is an in-memory coil/register bank backing the TCP
// server tests.
type tcpTestHandler struct {
	coils     [128]bool
	registers [128]uint16
}

func (h *tcpTestHandler) HandleCoils(req *CoilsRequest) ([]bool, error) {
	if req.IsWrite {
		for i, v := range req.Args {
			h.coils[int(req.Addr)+i] = v
		}
		return nil, nil
	}
	out := make([]bool, req.Quantity)
	copy(out, h.coils[req.Addr:int(req.Addr)+int(req.Quantity)])
	return out, nil
}

func (h *tcpTestHandler) HandleDiscreteInputs(req *DiscreteInputsRequest) ([]bool, error) {
	out := make([]bool, req.Quantity)
	copy(out, h.coils[req.Addr:int(req.Addr)+int(req.Quantity)])
	return out, nil
}

func (h *tcpTestHandler) HandleHoldingRegisters(req *HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		for i, v := range req.Args {
			h.registers[int(req.Addr)+i] = v
		}
		return nil, nil
	}
	out := make([]uint16, req.Quantity)
	copy(out, h.registers[req.Addr:int(req.Addr)+int(req.Quantity)])
	return out, nil
}

func (h *tcpTestHandler) HandleInputRegisters(req *InputRegistersRequest) ([]uint16, error) {
	out := make([]uint16, req.Quantity)
	copy(out, h.registers[req.Addr:int(req.Addr)+int(req.Quantity)])
	return out, nil
}

func startTestServer(t *testing.T, url string, maxClients uint, handler RequestHandler) *ModbusServer {
	t.Helper()
	server, err := NewServer(ServerConfiguration{
		URL:        url,
		MaxClients: maxClients,
		Timeout:    2 * time.Second,
	}, handler)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func openTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfiguration{
		URL:     url,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	client.Open()
	t.Cleanup(client.Shutdown)
	return client
}

func TestTCPServerReadWriteRoundTrip(t *testing.T) {
	th := &tcpTestHandler{}
	startTestServer(t, "tcp://127.0.0.1:15502", 0, th)

	client := openTestClient(t, "tcp://127.0.0.1:15502")
	require.Eventually(t, func() bool {
		_, err := client.ReadCoils(0, 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := client.WriteMultipleCoils(0, []bool{true, false, true})
	require.NoError(t, err)

	coils, err := client.ReadCoils(0, 3)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, coils)

	_, err = client.WriteSingleRegister(NewIndexed(uint16(5), uint16(4242)))
	require.NoError(t, err)

	regs, err := client.ReadHoldingRegisters(5, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{4242}, regs)
}

func TestTCPServerEnforcesMaxClients(t *testing.T) {
	th := &tcpTestHandler{}
	startTestServer(t, "tcp://127.0.0.1:15503", 1, th)

	c1 := openTestClient(t, "tcp://127.0.0.1:15503")
	require.Eventually(t, func() bool {
		_, err := c1.ReadCoils(0, 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	c2, err := NewClient(ClientConfiguration{URL: "tcp://127.0.0.1:15503", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	c2.Open()
	defer c2.Shutdown()

	_, err = c2.ReadCoils(0, 1)
	require.Error(t, err)
}

func TestTCPServerRejectsUnknownFunctionCode(t *testing.T) {
	th := &tcpTestHandler{}
	startTestServer(t, "tcp://127.0.0.1:15504", 0, th)
	client := openTestClient(t, "tcp://127.0.0.1:15504")

	require.Eventually(t, func() bool {
		_, err := client.ReadCoils(0, 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := client.SendCustomFunctionCode(CustomFunctionCode{Code: 0x09, Data: nil})
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, KindException, reqErr.Kind)
	require.Equal(t, ExIllegalFunction, reqErr.Exception)
}
