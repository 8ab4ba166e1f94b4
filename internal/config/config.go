package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/modbus"
)

const (
	DefaultPath          = "config.yaml"
	DefaultListen        = "0.0.0.0:502"
	DefaultStatusListen  = ":8080"
	DefaultLogFile       = "solar_power_aggregator.log"
	DefaultStateDB       = "pv_aggregator.sqlite"
	DefaultInterval      = 5 * time.Second
	DefaultReconnect     = 2 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultConnectDelay  = time.Second
	DefaultListenRetries = 3
)

// Config is the aggregator configuration file.
type Config struct {
	Inverters Inverters `yaml:"inverters"`
	Inverter  Inverter  `yaml:"inverter"`
	Poll      Poll      `yaml:"poll"`
	Server    Server    `yaml:"server"`
	Status    Status    `yaml:"status"`
	State     State     `yaml:"state"`
	Log       Log       `yaml:"log"`
}

// InverterEntry is one configured inverter.
type InverterEntry struct {
	Name    string
	Address string
}

// Inverters keeps the order of the YAML mapping.
type Inverters []InverterEntry

// UnmarshalYAML decodes a name -> address mapping in document order.
func (inv *Inverters) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: inverters must be a mapping of name to address", value.Line)
	}
	out := make(Inverters, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: address of inverter %q must be a string", v.Line, k.Value)
		}
		out = append(out, InverterEntry{Name: k.Value, Address: v.Value})
	}
	*inv = out
	return nil
}

// Inverter holds connection settings shared by all inverters.
type Inverter struct {
	Protocol     string         `yaml:"protocol"` // tcp | rtu
	Port         int            `yaml:"port"`
	UnitID       *uint8         `yaml:"unit_id"`
	Timeout      time.Duration  `yaml:"timeout"`
	ConnectDelay *time.Duration `yaml:"connect_delay"`
	BaudRate     int            `yaml:"baud_rate"`
	DataBits     int            `yaml:"data_bits"`
	StopBits     int            `yaml:"stop_bits"`
	Parity       string         `yaml:"parity"`
}

// Unit returns the configured unit id, 1 when unset.
func (i Inverter) Unit() uint8 {
	if i.UnitID == nil {
		return 1
	}
	return *i.UnitID
}

// Poll tunes the scheduler and reading engine.
type Poll struct {
	Interval       time.Duration  `yaml:"interval"`
	ReconnectDelay *time.Duration `yaml:"reconnect_delay"`
	MaxWorkers     int            `yaml:"max_workers"`
}

// Server is the Modbus TCP serving side.
type Server struct {
	Listen        string          `yaml:"listen"`
	HealthMode    string          `yaml:"health_mode"`
	ListenRetries *int            `yaml:"listen_retries"`
	Identity      modbus.Identity `yaml:"identity"`
}

// Status is the optional HTTP report.
type Status struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// State is the optional last-known-good store.
type State struct {
	Enabled   bool          `yaml:"enabled"`
	DBPath    string        `yaml:"db_path"`
	QueueSize int           `yaml:"queue_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Log configures the process logger. A nil File means the default file; an
// explicit empty string disables file output.
type Log struct {
	Level  string  `yaml:"level"`
	Format string  `yaml:"format"`
	File   *string `yaml:"file"`
}

// FilePath returns the log file to append to, or "".
func (l Log) FilePath() string {
	if l.File == nil {
		return DefaultLogFile
	}
	return *l.File
}

// DefaultIdentity is answered to Read Device Identification.
func DefaultIdentity() modbus.Identity {
	return modbus.Identity{
		VendorName:         "SolarPower",
		ProductCode:        "SP",
		MajorMinorRevision: "1.0",
		VendorURL:          "https://example.com",
		ProductName:        "Solar Power Aggregator",
		ModelName:          "SP1000",
	}
}

// defaultIdentity returns the full default identity for an empty block. A
// partial block keeps its optional objects as given; the basic objects are
// mandatory and fall back one by one.
func defaultIdentity(id modbus.Identity) modbus.Identity {
	def := DefaultIdentity()
	if id == (modbus.Identity{}) {
		return def
	}
	if id.VendorName == "" {
		id.VendorName = def.VendorName
	}
	if id.ProductCode == "" {
		id.ProductCode = def.ProductCode
	}
	if id.MajorMinorRevision == "" {
		id.MajorMinorRevision = def.MajorMinorRevision
	}
	return id
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrReadConfig, err, "read %s", path)
	}
	return data, nil
}

func decode(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrReadConfig, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Inverter.Protocol == "" {
		c.Inverter.Protocol = "tcp"
	}
	c.Inverter.Protocol = strings.ToLower(strings.TrimSpace(c.Inverter.Protocol))
	if c.Inverter.Port == 0 {
		c.Inverter.Port = 502
	}
	if c.Inverter.Timeout == 0 {
		c.Inverter.Timeout = DefaultTimeout
	}
	if c.Inverter.ConnectDelay == nil {
		d := DefaultConnectDelay
		c.Inverter.ConnectDelay = &d
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = DefaultInterval
	}
	if c.Poll.ReconnectDelay == nil {
		d := DefaultReconnect
		c.Poll.ReconnectDelay = &d
	}
	if c.Poll.MaxWorkers == 0 {
		c.Poll.MaxWorkers = 1
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.HealthMode == "" {
		c.Server.HealthMode = "fresh_reads"
	}
	c.Server.HealthMode = strings.ToLower(strings.TrimSpace(c.Server.HealthMode))
	if c.Server.ListenRetries == nil {
		n := DefaultListenRetries
		c.Server.ListenRetries = &n
	}
	c.Server.Identity = defaultIdentity(c.Server.Identity)

	if c.Status.Listen == "" {
		c.Status.Listen = DefaultStatusListen
	}
	if c.State.DBPath == "" {
		c.State.DBPath = DefaultStateDB
	}
	if c.State.QueueSize == 0 {
		c.State.QueueSize = 16
	}
	if c.State.CacheTTL == 0 {
		c.State.CacheTTL = time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Inverters) == 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "no inverters configured")
	}
	seen := make(map[string]struct{}, len(c.Inverters))
	for _, inv := range c.Inverters {
		name := strings.TrimSpace(inv.Name)
		if name == "" {
			return apperrors.Newf(apperrors.ErrInvalidConfig, "inverter with empty name")
		}
		if _, dup := seen[name]; dup {
			return apperrors.Newf(apperrors.ErrInvalidConfig, "duplicate inverter %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(inv.Address) == "" {
			return apperrors.Newf(apperrors.ErrInvalidConfig, "inverter %q has no address", name)
		}
	}

	switch c.Inverter.Protocol {
	case "tcp", "rtu":
	default:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "unknown inverter protocol %q", c.Inverter.Protocol)
	}
	if c.Inverter.Port < 1 || c.Inverter.Port > 65535 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "inverter port %d out of range", c.Inverter.Port)
	}
	if c.Inverter.Timeout < 0 || *c.Inverter.ConnectDelay < 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "inverter timeout and connect_delay must not be negative")
	}

	if c.Poll.Interval <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "poll interval must be positive, got %s", c.Poll.Interval)
	}
	if *c.Poll.ReconnectDelay < 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "poll reconnect_delay must not be negative")
	}
	if c.Poll.MaxWorkers < 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "poll max_workers must not be negative")
	}

	switch c.Server.HealthMode {
	case "fresh_reads", "connected_devices":
	default:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "unknown health_mode %q", c.Server.HealthMode)
	}
	if *c.Server.ListenRetries < 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "server listen_retries must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "unknown log format %q", c.Log.Format)
	}
	return nil
}
