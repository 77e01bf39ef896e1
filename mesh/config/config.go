// Package config centralizes every tunable named in the mesh engine's
// external interface, mirroring the DefaultConfig var-literal pattern the
// teacher uses in node/defaults.go.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// Config holds every recognized option from the mesh engine's external
// interface. Zero-value fields are never valid at runtime; callers should
// start from DefaultConfig and override only what they need.
type Config struct {
	MaxTTL             uint8
	AnnounceInterval   time.Duration
	StalePeer          time.Duration
	CleanupInterval    time.Duration

	FragmentThreshold int
	MaxFragmentSize   int
	FragmentTimeout   time.Duration

	SeenCapacity  int
	GCSMaxBytes   int
	GCSTargetFPR  float64

	StoreForwardMax int
	StoreForwardTTL time.Duration

	ConnectionRetry      time.Duration
	MaxConnectionAttempts int
	AvoidTTL             time.Duration

	HandshakeTimeout  time.Duration
	AnnounceTimeout   time.Duration
	InactivityTimeout time.Duration

	MessageMaxClockSkew time.Duration

	// RelayBaseProbability is the adaptive-relay baseline used once TTL and
	// peer-density thresholds no longer force a relay (spec §4.9, §9 "the
	// adaptive relay probability formula in source is stubbed").
	RelayBaseProbability float64
	// RelayAlwaysTTL is the TTL at or above which a packet is always relayed.
	RelayAlwaysTTL uint8
	// RelayAlwaysPeerCount is the active-peer-count at or below which a
	// packet is always relayed regardless of TTL.
	RelayAlwaysPeerCount int

	// DataDir backs mesh/storeforward's goleveldb handle. Empty means
	// in-memory only (tests, demos).
	DataDir string
}

// DefaultConfig holds the defaults listed in spec §6.4.
var DefaultConfig = Config{
	MaxTTL:           7,
	AnnounceInterval: 30 * time.Second,
	StalePeer:        180 * time.Second,
	CleanupInterval:  60 * time.Second,

	FragmentThreshold: 512,
	MaxFragmentSize:   469,
	FragmentTimeout:   30 * time.Second,

	SeenCapacity: 500,
	GCSMaxBytes:  400,
	GCSTargetFPR: 0.01,

	StoreForwardMax: 100,
	StoreForwardTTL: 12 * time.Hour,

	ConnectionRetry:       5 * time.Second,
	MaxConnectionAttempts: 3,
	AvoidTTL:              15 * time.Minute,

	HandshakeTimeout:  10 * time.Second,
	AnnounceTimeout:   15 * time.Second,
	InactivityTimeout: 60 * time.Second,

	MessageMaxClockSkew: 5 * time.Minute,

	RelayBaseProbability: 0.5,
	RelayAlwaysTTL:       4,
	RelayAlwaysPeerCount: 3,
}

// WithDataDir returns a copy of the config with DataDir set, the way the
// teacher's DefaultConfig is cloned and adjusted per-instance rather than
// mutated in place.
func (c Config) WithDataDir(dir string) Config {
	c.DataDir = dir
	return c
}

// tomlDecoderConfig keeps field names literal between a TOML file and
// Config (no case-folding), the same no-surprises decoding rule the
// teacher's own TOML-backed configs use, with an unrecognized field
// rejected outright instead of swallowed.
var tomlDecoderConfig = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField:  reportUnknownField,
}

// reportUnknownField builds the error LoadFile surfaces when the TOML file
// names a field Config doesn't have, pointing at the struct's godoc when
// it's an exported type worth linking to.
func reportUnknownField(rt reflect.Type, field string) error {
	if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
		return fmt.Errorf("unknown config field %q on %s (see https://godoc.org/%s#%s)", field, rt.String(), rt.PkgPath(), rt.Name())
	}
	return fmt.Errorf("unknown config field %q on %s", field, rt.String())
}

// LoadFile decodes a TOML file on top of cfg, overriding only the fields the
// file names (unset fields keep whatever cfg already held, typically
// DefaultConfig).
func LoadFile(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlDecoderConfig.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if lineErr, ok := err.(*toml.LineError); ok {
		err = errors.Wrapf(lineErr, "load config %s", file)
	}
	return err
}
