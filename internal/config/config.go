// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/trim21/errgo"

	"shroud/internal/metainfo"
	"shroud/internal/mse"
	"shroud/internal/pkg/global"
)

// Duration is a time.Duration written as "30s" or "10m" in config file.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Application struct {
	Crypto           string   `toml:"crypto" validate:"oneof=disable prefer-not prefer force force-full"`
	HandshakeTimeout Duration `toml:"handshake-timeout" validate:"gte=0"`
	P2PPort          uint16   `toml:"p2p-port"`
	// hard global connection limit
	GlobalConnectionLimit uint16 `toml:"global-connections-limit" validate:"gt=0"`
	// incoming handshakes per second
	AcceptRate  float64  `toml:"accept-rate" validate:"gt=0"`
	BanDuration Duration `toml:"ban-duration" validate:"gte=0"`
	InfoHashes  []string `toml:"info-hashes" validate:"dive,len=40,hexadecimal"`
}

type Config struct {
	App Application `toml:"application"`
}

func Default() Config {
	return Config{
		App: Application{
			Crypto:                "prefer",
			HandshakeTimeout:      Duration(global.ConnTimeout),
			P2PPort:               50047,
			GlobalConnectionLimit: 50,
			AcceptRate:            20,
			BanDuration:           Duration(10 * time.Minute),
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func LoadFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}

		return Config{}, errgo.Wrap(err, "failed to read config file")
	}

	return Parse(raw)
}

// Parse decodes a config file, missing keys keep their default value.
func Parse(raw []byte) (Config, error) {
	var cfg = Default()

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errgo.Wrap(err, "failed to parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errgo.Wrap(err, "invalid config")
	}

	return nil
}

// Methods returns allowed crypto methods in preference order.
func (a Application) Methods() ([]mse.Method, error) {
	return mse.ParsePolicy(a.Crypto)
}

// MSE builds handshake settings from config.
func (a Application) MSE() (mse.Settings, error) {
	allowed, err := a.Methods()
	if err != nil {
		return mse.Settings{}, err
	}

	return mse.Settings{Allowed: allowed, Timeout: time.Duration(a.HandshakeTimeout)}, nil
}

func (a Application) InfoHashList() ([]metainfo.Hash, error) {
	hashes := make([]metainfo.Hash, 0, len(a.InfoHashes))
	for _, s := range a.InfoHashes {
		h, err := metainfo.FromHex(s)
		if err != nil {
			return nil, errgo.Wrap(err, "invalid info hash "+s)
		}

		hashes = append(hashes, h)
	}

	return hashes, nil
}
