package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
)

const (
	functionReadHoldingRegs = 0x03
	functionEncapsulated    = 0x2B

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03

	maxRegistersPerRead = 125
)

var (
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errUnknownObject = errors.New("unknown object")
)

// RegisterSource answers holding-register reads. Implementations copy the
// requested range under their own lock.
type RegisterSource interface {
	ReadHoldingRegisters(start, qty uint16) ([]uint16, error)
}

// Server implements a minimal read-only Modbus TCP server: holding registers
// (FC 0x03) from a RegisterSource and device identification (FC 0x2B/0x0E).
// Requests for any unit id are answered.
type Server struct {
	source   RegisterSource
	identity Identity
	log      zerolog.Logger

	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer constructs a server reading from source.
func NewServer(source RegisterSource, identity Identity, log zerolog.Logger) *Server {
	return &Server{
		source:   source,
		identity: identity,
		log:      log,
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrListen, err, "listen %s", address)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// ListenWithRetry calls Listen until it succeeds, retrying up to retries
// times with a constant wait in between.
func (s *Server) ListenWithRetry(ctx context.Context, address string, retries uint64, wait time.Duration) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), retries), ctx)
	return backoff.RetryNotify(
		func() error { return s.Listen(address) },
		b,
		func(err error, next time.Duration) {
			s.log.Warn().Err(err).Dur("retry_in", next).Msg("modbus listen failed")
		},
	)
}

// Addr returns the listener address, or nil before Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Debug().Err(err).Msg("accept failed")
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length == 0 {
			continue
		}

		pduLength := int(length - 1)
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadHoldingRegs:
		data, err := s.readRegisters(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionEncapsulated:
		data, err := s.readDeviceIdentification(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return data
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) readRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > maxRegistersPerRead {
		return nil, errInvalidQty
	}

	words, err := s.source.ReadHoldingRegisters(start, quantity)
	if err != nil {
		return nil, err
	}

	result := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], w)
	}
	return result, nil
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function = function | 0x80
	}
	return []byte{function, code}
}

// errToCode maps request errors to exception codes. Source errors are
// address problems.
func errToCode(err error) byte {
	switch {
	case errors.Is(err, errInvalidQty):
		return exceptionIllegalDataVal
	case errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalDataAddr
	}
}

// Close stops the server, drops open client connections and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		close(s.quit)
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}
