package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/leggler/PV-Aggregator/internal/inverter"
	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/registers"
)

func main() {
	fs := pflag.NewFlagSet("probe", pflag.ExitOnError)
	address := fs.String("address", ":502", "Aggregator (or inverter with --inverter) address")
	unit := fs.Uint8("unit", 1, "Modbus unit id")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	direct := fs.Bool("inverter", false, "Read measurements straight from a SUN2000 inverter")
	watch := fs.Duration("watch", 0, "Repeat every interval instead of reading once")
	_ = fs.Parse(os.Args[1:])

	read := func() error { return readAggregate(normalizeAddress(*address), *unit, *timeout) }
	if *direct {
		read = func() error { return readInverter(normalizeAddress(*address), *unit, *timeout) }
	}

	for {
		if err := read(); err != nil {
			fmt.Fprintf(os.Stderr, "probe: %v\n", err)
			if *watch <= 0 {
				os.Exit(1)
			}
		}
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
	}
}

// readAggregate reads the whole published table and decodes it per kind.
func readAggregate(address string, unit uint8, timeout time.Duration) error {
	h := mb.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = unit
	if err := h.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	defer h.Close()

	kinds := measurement.Default()
	data, err := mb.NewClient(h).ReadHoldingRegisters(0, uint16(registers.Size(len(kinds))))
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	words, err := toWords(data)
	if err != nil {
		return err
	}

	for i, k := range kinds {
		fmt.Printf("%s (regs %d,%d) = %d %s\n", k.Name, 2*i, 2*i+1, sumValue(words, i, k), k.Unit)
	}
	fmt.Printf("health (reg %d) = %d\n", len(words)-1, registers.Health(words))
	return nil
}

// readInverter reads every kind from one inverter, scaled as the aggregator would.
func readInverter(address string, unit uint8, timeout time.Duration) error {
	inv, err := inverter.New(address, inverter.Options{Address: address, UnitID: unit, Timeout: timeout}, zerolog.Nop())
	if err != nil {
		return err
	}
	if err := inv.Connect(); err != nil {
		return err
	}
	defer inv.Disconnect()

	for _, k := range measurement.Default() {
		raw, err := inv.ReadValue(k.Register)
		if err != nil {
			fmt.Printf("%s (%s) = error: %v\n", k.Name, k.Register, err)
			continue
		}
		fmt.Printf("%s (%s) = %d %s (raw %d)\n", k.Name, k.Register, k.Scale(raw), k.Unit, raw)
	}
	return nil
}

// sumValue reads signed kinds back as two's complement.
func sumValue(words []uint16, i int, k measurement.Kind) int64 {
	v := registers.Sum(words, i)
	if k.Register.Type == measurement.Int32 || k.Register.Type == measurement.Int16 {
		return int64(int32(v))
	}
	return int64(v)
}

func toWords(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 || len(data) == 0 {
		return nil, errors.New("empty or odd register payload")
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return words, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = ":502"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	// If it's just a port number like "1502", make it host:port
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if !strings.Contains(addr, ":") && !strings.Contains(addr, ".") {
			addr = "127.0.0.1:" + addr
		}
	}
	return addr
}
