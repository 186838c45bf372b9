// Package config handles loading and saving the s7connector configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

// DefaultPollRate is used for polls that do not set an interval.
const DefaultPollRate = time.Second

// Config is the top-level configuration.
type Config struct {
	Namespace   string             `yaml:"namespace"`
	PollRate    time.Duration      `yaml:"poll_rate"`
	Connections []ConnectionConfig `yaml:"connections"`
	Polls       []PollConfig       `yaml:"polls"`
	MQTT        []MQTTConfig       `yaml:"mqtt,omitempty"`
	Valkey      []ValkeyConfig     `yaml:"valkey,omitempty"`
	Kafka       []KafkaConfig      `yaml:"kafka,omitempty"`
	API         APIConfig          `yaml:"api"`
	LogFile     string             `yaml:"log_file,omitempty"`
	DebugLog    string             `yaml:"debug_log,omitempty"`
	DebugFilter string             `yaml:"debug_filter,omitempty"`

	mu sync.Mutex
}

// ConnectionConfig describes one PLC.
type ConnectionConfig struct {
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Port     int           `yaml:"port,omitempty"`
	Family   string        `yaml:"family,omitempty"`    // S300, S1200, S200, ...
	ConnType string        `yaml:"conn_type,omitempty"` // PG, OP, BASIC or 1-10
	Rack     int           `yaml:"rack"`
	Slot     int           `yaml:"slot"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Enabled  bool          `yaml:"enabled"`
}

// PollConfig describes a block read on a schedule. Either Address or
// Area/DB/Offset/Length selects the bytes.
type PollConfig struct {
	Name       string        `yaml:"name"`
	Connection string        `yaml:"connection"`
	Address    string        `yaml:"address,omitempty"`
	Area       string        `yaml:"area,omitempty"`
	DB         int           `yaml:"db,omitempty"`
	Offset     int           `yaml:"offset,omitempty"`
	Length     int           `yaml:"length,omitempty"`
	Type       string        `yaml:"type,omitempty"`
	Interval   time.Duration `yaml:"interval,omitempty"`
	Enabled    bool          `yaml:"enabled"`
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Name         string `yaml:"name"`
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	ClientID     string `yaml:"client_id"`
	UseTLS       bool   `yaml:"use_tls,omitempty"`
	EnableWrites bool   `yaml:"enable_writes,omitempty"`
}

// ValkeyConfig holds Valkey/Redis server settings.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`
	PublishChanges bool          `yaml:"publish_changes"`
}

// KafkaConfig holds Kafka cluster settings.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	AutoCreate    bool          `yaml:"auto_create_topics,omitempty"`
}

// APIConfig holds the REST API settings. With no users the API is open.
type APIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []APIUser `yaml:"users,omitempty"`
}

// APIUser is an HTTP basic auth account.
type APIUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	ReadOnly     bool   `yaml:"read_only,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "s7",
		PollRate:  DefaultPollRate,
		API: APIConfig{
			Host: "localhost",
			Port: 8080,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".s7connector", "config.yaml")
}

// Load reads the configuration from path. A missing file yields the
// defaults so a first run needs no setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultPollRate
	}
	return cfg, nil
}

// Save writes the configuration to path, replacing the file atomically.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// FindConnection returns the connection with the given name, or nil.
func (c *Config) FindConnection(name string) *ConnectionConfig {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i]
		}
	}
	return nil
}

// AddConnection appends a connection.
func (c *Config) AddConnection(conn ConnectionConfig) {
	c.Connections = append(c.Connections, conn)
}

// RemoveConnection removes a connection and every poll that uses it.
func (c *Config) RemoveConnection(name string) bool {
	for i, conn := range c.Connections {
		if conn.Name != name {
			continue
		}
		c.Connections = append(c.Connections[:i], c.Connections[i+1:]...)
		polls := c.Polls[:0]
		for _, p := range c.Polls {
			if p.Connection != name {
				polls = append(polls, p)
			}
		}
		c.Polls = polls
		return true
	}
	return false
}

// FindPoll returns the poll with the given name, or nil.
func (c *Config) FindPoll(name string) *PollConfig {
	for i := range c.Polls {
		if c.Polls[i].Name == name {
			return &c.Polls[i]
		}
	}
	return nil
}

// AddPoll appends a poll.
func (c *Config) AddPoll(p PollConfig) {
	c.Polls = append(c.Polls, p)
}

// PollsFor returns the polls bound to a connection.
func (c *Config) PollsFor(connection string) []PollConfig {
	var out []PollConfig
	for _, p := range c.Polls {
		if p.Connection == connection {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Options converts the connection settings to s7 dial options.
func (cc *ConnectionConfig) Options() ([]s7.Option, error) {
	family, err := s7.ParseFamily(cc.Family)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", cc.Name, err)
	}
	connType, err := parseConnType(cc.ConnType)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", cc.Name, err)
	}
	opts := []s7.Option{
		s7.WithFamily(family),
		s7.WithType(connType),
		s7.WithRackSlot(cc.Rack, cc.Slot),
	}
	if cc.Timeout > 0 {
		opts = append(opts, s7.WithTimeout(cc.Timeout))
	}
	if cc.Port > 0 {
		opts = append(opts, s7.WithPort(cc.Port))
	}
	return opts, nil
}

func parseConnType(s string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PG":
		return s7.ConnTypePG, nil
	case "OP":
		return s7.ConnTypeOP, nil
	case "BASIC", "S7BASIC":
		return s7.ConnTypeBasic, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 10 {
		return 0, fmt.Errorf("%w: connection type %q", s7.ErrInvalidConfig, s)
	}
	return n, nil
}

// Target resolves the poll to an address. A Type, if set, overrides the
// type inferred from an address string. For area polls Length is always
// the byte count and Type only selects how the bytes are decoded.
func (p *PollConfig) Target() (*s7.Address, error) {
	var typ s7.DataType
	if p.Type != "" {
		t, err := s7.ParseDataType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", p.Name, err)
		}
		typ = t
	}

	var addr *s7.Address
	if p.Address != "" {
		a, err := s7.ParseAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", p.Name, err)
		}
		if p.Type != "" {
			if err := a.ApplyType(typ); err != nil {
				return nil, fmt.Errorf("poll %s: %w", p.Name, err)
			}
		}
		addr = a
	} else {
		area, err := s7.ParseArea(p.Area)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", p.Name, err)
		}
		addr = &s7.Address{
			Area:   area,
			Number: p.DB,
			Offset: p.Offset,
			Bit:    -1,
			Type:   s7.TypeRaw,
			Count:  p.Length,
			Size:   p.Length,
		}
		if p.Type != "" && typ != s7.TypeRaw {
			count, err := elementCount(typ, p.Length)
			if err != nil {
				return nil, fmt.Errorf("poll %s: %w", p.Name, err)
			}
			addr.Type, addr.Count = typ, count
		}
	}
	if err := addr.Ref().Validate(); err != nil {
		return nil, fmt.Errorf("poll %s: %w", p.Name, err)
	}
	return addr, nil
}

func elementCount(t s7.DataType, length int) (int, error) {
	switch t {
	case s7.TypeBool:
		return 0, fmt.Errorf("%w: BOOL needs a bit address", s7.ErrInvalidArgument)
	case s7.TypeString:
		if length < 3 || length > s7.StringSize(254) {
			return 0, fmt.Errorf("%w: STRING block of %d bytes", s7.ErrInvalidArgument, length)
		}
		return length - 2, nil
	}
	if length <= 0 || length%t.Size() != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of %s", s7.ErrInvalidArgument, length, t)
	}
	return length / t.Size(), nil
}

// EffectiveInterval returns the poll interval, falling back to rate.
func (p *PollConfig) EffectiveInterval(rate time.Duration) time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	if rate > 0 {
		return rate
	}
	return DefaultPollRate
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// IsValidName reports whether s can be used as a connection or poll name.
// Names appear in MQTT topics and Valkey keys, so separators and
// wildcards are excluded.
func IsValidName(s string) bool {
	return validName.MatchString(s)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidName(c.Namespace) {
		return fmt.Errorf("invalid namespace %q", c.Namespace)
	}

	conns := make(map[string]bool)
	for i := range c.Connections {
		cc := &c.Connections[i]
		if !IsValidName(cc.Name) {
			return fmt.Errorf("invalid connection name %q", cc.Name)
		}
		if conns[cc.Name] {
			return fmt.Errorf("duplicate connection name %q", cc.Name)
		}
		conns[cc.Name] = true
		if cc.Address == "" {
			return fmt.Errorf("connection %s: address is required", cc.Name)
		}
		if _, err := cc.Options(); err != nil {
			return err
		}
		if cc.Rack < 0 || cc.Rack > 7 {
			return fmt.Errorf("connection %s: rack %d out of range 0-7", cc.Name, cc.Rack)
		}
		if cc.Slot < 0 || cc.Slot > 31 {
			return fmt.Errorf("connection %s: slot %d out of range 0-31", cc.Name, cc.Slot)
		}
	}

	polls := make(map[string]bool)
	for i := range c.Polls {
		p := &c.Polls[i]
		if !IsValidName(p.Name) {
			return fmt.Errorf("invalid poll name %q", p.Name)
		}
		key := p.Connection + "/" + p.Name
		if polls[key] {
			return fmt.Errorf("duplicate poll %q on connection %s", p.Name, p.Connection)
		}
		polls[key] = true
		if !conns[p.Connection] {
			return fmt.Errorf("poll %s: unknown connection %q", p.Name, p.Connection)
		}
		if _, err := p.Target(); err != nil {
			return err
		}
		if p.Interval < 0 {
			return fmt.Errorf("poll %s: negative interval", p.Name)
		}
	}

	for _, m := range c.MQTT {
		if m.Broker == "" {
			return fmt.Errorf("mqtt %s: broker is required", m.Name)
		}
	}
	for _, v := range c.Valkey {
		if v.Address == "" {
			return fmt.Errorf("valkey %s: address is required", v.Name)
		}
	}
	for _, k := range c.Kafka {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %s: at least one broker is required", k.Name)
		}
		switch strings.ToUpper(k.SASLMechanism) {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("kafka %s: unsupported SASL mechanism %q", k.Name, k.SASLMechanism)
		}
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api: port %d out of range", c.API.Port)
	}
	return nil
}
