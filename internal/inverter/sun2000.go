// Package inverter talks to Huawei SUN2000 inverters over Modbus TCP or RTU.
package inverter

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/measurement"
)

const (
	DefaultPort    = 502
	DefaultTimeout = 10 * time.Second
)

// Options configures one inverter connection.
type Options struct {
	Protocol string // tcp | rtu
	// Address is host or host:port for TCP and the serial device for RTU.
	Address string
	Port    int
	UnitID  byte
	Timeout time.Duration
	// ConnectDelay is waited after connecting, before the first request.
	ConnectDelay time.Duration

	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// Sun2000 is a single inverter reachable through one Modbus handler.
type Sun2000 struct {
	name      string
	opts      Options
	handler   handlerWithConn
	client    mb.Client
	connAddr  string
	connected atomic.Bool
	log       zerolog.Logger
}

// New builds the handler for opts. It does not connect.
func New(name string, opts Options, log zerolog.Logger) (*Sun2000, error) {
	h, addr, err := newHandler(opts)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "inverter %s", name)
	}
	return &Sun2000{
		name:     name,
		opts:     opts,
		handler:  h,
		client:   mb.NewClient(h),
		connAddr: addr,
		log:      log.With().Str("inverter", name).Str("address", addr).Logger(),
	}, nil
}

// newHandler creates and configures a handler for TCP or RTU based on opts.
// It returns the handler and a human-readable address for logs.
func newHandler(opts Options) (handlerWithConn, string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch strings.ToLower(strings.TrimSpace(opts.Protocol)) {
	case "", "tcp", "modbus-tcp":
		address, err := tcpAddress(opts.Address, opts.Port)
		if err != nil {
			return nil, "", err
		}
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		h.SlaveId = opts.UnitID
		return h, address, nil
	case "rtu", "modbus-rtu":
		port := strings.TrimSpace(opts.Address)
		if port == "" {
			return nil, "", errors.New("serial port is required for RTU")
		}
		ensureSerialDefaults(&opts)
		h := mb.NewRTUClientHandler(port)
		h.BaudRate = opts.BaudRate
		h.DataBits = opts.DataBits
		h.StopBits = opts.StopBits
		h.Parity = opts.Parity
		h.Timeout = timeout
		h.SlaveId = opts.UnitID
		return h, port, nil
	default:
		return nil, "", fmt.Errorf("protocol %s not implemented", opts.Protocol)
	}
}

// ensureSerialDefaults fills unset serial parameters with SUN2000 factory
// settings, 9600 8N1.
func ensureSerialDefaults(o *Options) {
	if o.BaudRate == 0 {
		o.BaudRate = 9600
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	o.Parity = strings.ToUpper(strings.TrimSpace(o.Parity))
	if o.Parity == "" {
		o.Parity = "N"
	}
}

// tcpAddress appends port (default 502) when address carries none.
func tcpAddress(address string, port int) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("address is required")
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address, nil
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port)), nil
}

// Name returns the configured inverter name.
func (s *Sun2000) Name() string {
	return s.name
}

// Address returns the resolved connection address.
func (s *Sun2000) Address() string {
	return s.connAddr
}

// Connect opens the transport and waits the configured connect delay.
func (s *Sun2000) Connect() error {
	if err := s.handler.Connect(); err != nil {
		s.connected.Store(false)
		return apperrors.Wrapf(apperrors.ErrConnection, err, "connect %s", s.connAddr)
	}
	s.connected.Store(true)
	s.log.Debug().Msg("connected")
	if s.opts.ConnectDelay > 0 {
		time.Sleep(s.opts.ConnectDelay)
	}
	return nil
}

// Disconnect closes the transport.
func (s *Sun2000) Disconnect() error {
	s.connected.Store(false)
	if err := s.handler.Close(); err != nil {
		return apperrors.Wrapf(apperrors.ErrConnection, err, "disconnect %s", s.connAddr)
	}
	return nil
}

// IsConnected reports the outcome of the last connect, disconnect or transfer.
func (s *Sun2000) IsConnected() bool {
	return s.connected.Load()
}

// ReadValue reads reg with FC 0x03 and decodes it. A Modbus exception leaves
// the connection up; any other transfer error marks it down.
func (s *Sun2000) ReadValue(reg measurement.Register) (int64, error) {
	data, err := s.client.ReadHoldingRegisters(reg.Address, reg.Quantity())
	if err != nil {
		var mbErr *mb.ModbusError
		if !errors.As(err, &mbErr) {
			s.connected.Store(false)
		}
		return 0, apperrors.Wrapf(apperrors.ErrRead, err, "read %s from %s", reg, s.connAddr)
	}
	s.connected.Store(true)

	v, err := measurement.Decode(data, reg.Type)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrNoValue, err, "read %s from %s", reg, s.connAddr)
	}
	return v, nil
}
