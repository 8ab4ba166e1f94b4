package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/registers"
)

var testIdentity = Identity{
	VendorName:         "SolarPower",
	ProductCode:        "SP",
	MajorMinorRevision: "1.0",
	VendorURL:          "https://example.com",
	ProductName:        "Solar Power Aggregator",
	ModelName:          "SP1000",
}

func startServer(t *testing.T, source RegisterSource) *Server {
	t.Helper()
	srv := NewServer(source, testIdentity, zerolog.Nop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *Server, unit byte) mb.Client {
	t.Helper()
	h := mb.NewTCPClientHandler(srv.Addr().String())
	h.Timeout = 2 * time.Second
	h.SlaveId = unit
	require.NoError(t, h.Connect())
	t.Cleanup(func() { _ = h.Close() })
	return mb.NewClient(h)
}

func exceptionCode(t *testing.T, err error) byte {
	t.Helper()
	var mbErr *mb.ModbusError
	require.True(t, errors.As(err, &mbErr), "expected modbus exception, got %v", err)
	return mbErr.ExceptionCode
}

func TestReadHoldingRegistersFromTable(t *testing.T) {
	tbl := registers.NewTable(2)
	require.NoError(t, tbl.PublishRound([]int64{0x0001_8000, 70}, 2))
	srv := startServer(t, tbl)

	client := newClient(t, srv, 1)
	data, err := client.ReadHoldingRegisters(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x80, 0x00, 0x00, 0x00, 0x00, 70, 0x00, 0x02}, data)
}

func TestAnyUnitIDIsAnswered(t *testing.T) {
	tbl := registers.NewTable(2)
	require.NoError(t, tbl.PublishRound([]int64{1, 2}, 2))
	srv := startServer(t, tbl)

	for _, unit := range []byte{0, 1, 17, 247} {
		data, err := newClient(t, srv, unit).ReadHoldingRegisters(4, 1)
		require.NoError(t, err, "unit %d", unit)
		assert.Equal(t, []byte{0x00, 0x02}, data)
	}
}

func TestReadBeyondTableIsIllegalAddress(t *testing.T) {
	srv := startServer(t, registers.NewTable(2))
	client := newClient(t, srv, 1)

	_, err := client.ReadHoldingRegisters(3, 3)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
}

func TestUnsupportedFunctionIsIllegalFunction(t *testing.T) {
	srv := startServer(t, registers.NewTable(2))
	client := newClient(t, srv, 1)

	_, err := client.ReadInputRegisters(0, 1)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalFunction), exceptionCode(t, err))

	_, err = client.ReadCoils(0, 1)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalFunction), exceptionCode(t, err))

	_, err = client.WriteSingleRegister(0, 1)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalFunction), exceptionCode(t, err))
}

func TestMemorySource(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.SetInt32(32080, -100))
	require.NoError(t, mem.SetUint32(32106, 123456))
	srv := startServer(t, mem)
	client := newClient(t, srv, 1)

	data, err := client.ReadHoldingRegisters(32080, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(-100), int32(binary.BigEndian.Uint32(data)))

	data, err = client.ReadHoldingRegisters(32106, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), binary.BigEndian.Uint32(data))

	_, err = client.ReadHoldingRegisters(40000, 2)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	mem.Delete(32106, 2)
	_, err = client.ReadHoldingRegisters(32106, 2)
	assert.Equal(t, byte(mb.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
}

func TestMemorySingleRegisters(t *testing.T) {
	mem := NewMemory()
	mem.SetHoldingRegister(10, 0xBEEF)
	mem.SetHoldingRegister(11, 7)

	words, err := mem.ReadHoldingRegisters(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF, 7}, words)

	_, err = mem.ReadHoldingRegisters(11, 2)
	assert.EqualError(t, err, "address 12 out of range")

	assert.Error(t, mem.SetUint32(0xFFFF, 1))
	_, err = mem.ReadHoldingRegisters(0xFFFF, 2)
	assert.Error(t, err)
}

func rawRequest(t *testing.T, srv *Server, pdu []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	req := make([]byte, 7, 7+len(pdu))
	binary.BigEndian.PutUint16(req[0:2], 0x1234)
	binary.BigEndian.PutUint16(req[4:6], uint16(len(pdu)+1))
	req[6] = 1
	_, err = conn.Write(append(req, pdu...))
	require.NoError(t, err)

	header := make([]byte, 7)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(header[0:2]))

	resp := make([]byte, int(binary.BigEndian.Uint16(header[4:6]))-1)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	return resp
}

// decodeObjects parses the object list of a device identification response.
func decodeObjects(t *testing.T, resp []byte) map[byte]string {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), 7)
	n := int(resp[6])
	out := make(map[byte]string, n)
	p := 7
	for i := 0; i < n; i++ {
		id, l := resp[p], int(resp[p+1])
		out[id] = string(resp[p+2 : p+2+l])
		p += 2 + l
	}
	return out
}

func TestReadDeviceIdentificationBasic(t *testing.T) {
	srv := startServer(t, registers.NewTable(2))
	resp := rawRequest(t, srv, []byte{0x2B, 0x0E, 0x01, 0x00})

	assert.Equal(t, []byte{0x2B, 0x0E, 0x01, 0x82, 0x00, 0x00}, resp[:6])
	assert.Equal(t, map[byte]string{
		ObjectVendorName:         "SolarPower",
		ObjectProductCode:        "SP",
		ObjectMajorMinorRevision: "1.0",
	}, decodeObjects(t, resp))
}

func TestReadDeviceIdentificationRegularSkipsEmpty(t *testing.T) {
	srv := startServer(t, registers.NewTable(2))
	objs := decodeObjects(t, rawRequest(t, srv, []byte{0x2B, 0x0E, 0x02, 0x00}))

	assert.Len(t, objs, 6)
	assert.Equal(t, "SP1000", objs[ObjectModelName])
	_, ok := objs[ObjectUserApplicationName]
	assert.False(t, ok)
}

func TestReadDeviceIdentificationIndividual(t *testing.T) {
	srv := startServer(t, registers.NewTable(2))

	objs := decodeObjects(t, rawRequest(t, srv, []byte{0x2B, 0x0E, 0x04, ObjectProductName}))
	assert.Equal(t, map[byte]string{ObjectProductName: "Solar Power Aggregator"}, objs)

	resp := rawRequest(t, srv, []byte{0x2B, 0x0E, 0x04, 0x42})
	assert.Equal(t, []byte{0x2B | 0x80, exceptionIllegalDataAddr}, resp)

	resp = rawRequest(t, srv, []byte{0x2B, 0x0E, 0x09, 0x00})
	assert.Equal(t, []byte{0x2B | 0x80, exceptionIllegalDataVal}, resp)
}

func TestListenWithRetryGivesUp(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := NewServer(registers.NewTable(2), testIdentity, zerolog.Nop())
	defer srv.Close()
	err = srv.ListenWithRetry(context.Background(), busy.Addr().String(), 2, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrListen))
	assert.Nil(t, srv.Addr())

	// zero retries makes a single attempt without waiting
	start := time.Now()
	err = srv.ListenWithRetry(context.Background(), busy.Addr().String(), 0, time.Hour)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestCloseDropsIdleClients(t *testing.T) {
	srv := NewServer(registers.NewTable(2), testIdentity, zerolog.Nop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	// let the accept loop register the connection
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an idle client")
	}
}
