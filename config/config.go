// Package config provides the persisted configuration of one bridged
// adapter.
//
// The configuration is a single YAML document holding the bridge's
// credentials and the visibility of every device the bridge has
// seen. Devices are identified by serial number. Missing documents
// are not an error: the bridge starts from [Default] and writes the
// file back as it learns about devices.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/creachadair/mds/value"
	"gopkg.in/yaml.v3"
)

// Ext is the file extension of configuration files.
const Ext = ".yaml"

// Config is the configuration of one bridged adapter.
type Config struct {
	// Bridge configures access to the bridge itself.
	Bridge BridgeConfig `yaml:"bridge"`

	// Device holds the credentials presented to bus peers on behalf
	// of bridged devices.
	Device DeviceCredentials `yaml:"device"`

	// Devices lists the devices the bridge knows about.
	Devices []DeviceEntry `yaml:"devices"`
}

// BridgeConfig configures access to the bridge.
type BridgeConfig struct {
	// KeyX is the pre-shared key securing the configuration objects.
	// Configuration access is unsecured when it is empty.
	KeyX string `yaml:"keyx,omitempty"`

	// DefaultVisibility is the visibility given to devices seen for
	// the first time.
	DefaultVisibility bool `yaml:"default_visibility"`
}

// DeviceCredentials are the credentials bridged devices present on
// the bus.
type DeviceCredentials struct {
	KeyX     string `yaml:"keyx,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// EcdheEcdsaPrivateKey and EcdheEcdsaCertChain are PEM encoded.
	EcdheEcdsaPrivateKey string `yaml:"ecdhe_ecdsa_private_key,omitempty"`
	EcdheEcdsaCertChain  string `yaml:"ecdhe_ecdsa_cert_chain,omitempty"`
}

// DeviceEntry is the configuration of one device.
type DeviceEntry struct {
	// ID is the device's serial number.
	ID string `yaml:"id"`

	// Visible reports whether the device is exposed on the bus.
	Visible bool `yaml:"visible"`

	Description string `yaml:"description,omitempty"`
}

// Default returns the configuration used when none has been saved:
// no credentials, and devices visible by default.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{DefaultVisibility: true},
	}
}

// Parse parses a configuration document.
func Parse(bs []byte) (*Config, error) {
	ret := Default()
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(ret); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Load reads the configuration file at path. If the file does not
// exist, Load returns [Default] and reports created as true.
func Load(path string) (cfg *Config, created bool, err error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), true, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("reading config: %w", err)
	}
	cfg, err = Parse(bs)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, false, nil
}

// Validate checks that every device entry has a unique, non-empty
// ID.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device entry %d has no id", i+1)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Marshal returns the YAML encoding of c.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes c to path. The file is replaced atomically, so readers
// never observe a partially written configuration.
func (c *Config) Save(path string) error {
	bs, err := c.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(bs); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	ret := *c
	ret.Devices = slices.Clone(c.Devices)
	return &ret
}

// Find returns the entry of the device with the given ID.
func (c *Config) Find(id string) value.Maybe[DeviceEntry] {
	i := slices.IndexFunc(c.Devices, func(d DeviceEntry) bool { return d.ID == id })
	if i < 0 {
		return value.Absent[DeviceEntry]()
	}
	return value.Just(c.Devices[i])
}

// Add adds e, replacing any existing entry with the same ID.
func (c *Config) Add(e DeviceEntry) error {
	if e.ID == "" {
		return errors.New("device entry has no id")
	}
	i := slices.IndexFunc(c.Devices, func(d DeviceEntry) bool { return d.ID == e.ID })
	if i < 0 {
		c.Devices = append(c.Devices, e)
	} else {
		c.Devices[i] = e
	}
	return nil
}

// Remove deletes the entry with the given ID, and reports whether
// there was one.
func (c *Config) Remove(id string) bool {
	n := len(c.Devices)
	c.Devices = slices.DeleteFunc(c.Devices, func(d DeviceEntry) bool { return d.ID == id })
	return len(c.Devices) != n
}

// MergeFrom merges src into c. Bridge settings and credentials are
// taken from src. Device entries in src replace the entries of c with
// the same ID, and are added if c has none. Entries of c that src
// does not mention are kept.
func (c *Config) MergeFrom(src *Config) {
	c.Bridge = src.Bridge
	c.Device = src.Device
	for _, d := range src.Devices {
		c.Add(d)
	}
}

// CredentialsEqual reports whether c and o carry the same bridge and
// device credentials.
func (c *Config) CredentialsEqual(o *Config) bool {
	return c.Bridge.KeyX == o.Bridge.KeyX && c.Device == o.Device
}

// ConfigAccessSecured reports whether access to the configuration
// objects requires the bridge key.
func (c *Config) ConfigAccessSecured() bool {
	return c.Bridge.KeyX != ""
}

// DeviceAccessSecured reports whether bridged devices require peers
// to authenticate.
func (c *Config) DeviceAccessSecured() bool {
	return c.Device != DeviceCredentials{}
}
