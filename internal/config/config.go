// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/trim21/errgo"

	"dhtmsg/internal/identity"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration in toml as "45s", "1m30s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

type Config struct {
	// ID is own node id in hex, generated at startup if empty.
	ID   string `toml:"id" validate:"omitempty,len=32,hexadecimal,lowercase"`
	Peer string `toml:"peer" validate:"omitempty,len=32,hexadecimal,lowercase"`

	// Metrics is the http address serving /metrics and /status, disabled if empty.
	Metrics   string   `toml:"metrics" validate:"omitempty,hostname_port"`
	Bootstrap []string `toml:"bootstrap" validate:"dive,hostname_port"`

	AnnounceInterval Duration `toml:"announce-interval" validate:"gt=0"`
	LookupInterval   Duration `toml:"lookup-interval" validate:"gt=0"`
	RetryInterval    Duration `toml:"retry-interval" validate:"gt=0"`
	BootstrapTimeout Duration `toml:"bootstrap-timeout" validate:"gt=0"`

	Port    uint16 `toml:"port"`
	DHTPort uint16 `toml:"dht-port"`

	Listen        bool `toml:"listen"`
	ExitOnConnect bool `toml:"exit-on-connect"`
}

func Default() Config {
	return Config{
		AnnounceInterval: Duration(45 * time.Second),
		LookupInterval:   Duration(5 * time.Second),
		RetryInterval:    Duration(5 * time.Second),
		BootstrapTimeout: Duration(30 * time.Second),
		ExitOnConnect:    true,
	}
}

// LoadFromFile read config file at path on top of Default, a missing file is not an error.
func LoadFromFile(path string) (Config, error) {
	var cfg = Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, errgo.Wrap(err, "failed to read config file")
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errgo.Wrap(err, "failed to parse config file")
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msg := make([]string, 0, len(ve))
			for _, fe := range ve {
				msg = append(msg, describe(fe))
			}

			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msg, ", "))
		}

		return errgo.Wrap(err, "failed to validate config")
	}

	for name, v := range map[string]string{"ID": c.ID, "Peer": c.Peer} {
		if v == "" {
			continue
		}

		if _, err := identity.Parse(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
		}
	}

	if !c.Listen && c.Peer == "" {
		return fmt.Errorf("%w: peer is required, use listen to only answer hello", ErrInvalid)
	}

	if c.Listen && c.Peer != "" {
		return fmt.Errorf("%w: peer can't be used with listen", ErrInvalid)
	}

	if c.ID != "" && c.ID == c.Peer {
		return fmt.Errorf("%w: peer must be different from id", ErrInvalid)
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "len", "hexadecimal", "lowercase":
		return fmt.Sprintf("%s must be 32 lowercase hex characters, got %q", fe.Field(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be positive", fe.Field())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port, got %q", fe.Field(), fe.Value())
	}

	return fe.Error()
}
