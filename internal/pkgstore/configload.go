// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"fmt"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// LoadConfig reads a pkgstore configuration file (if configFile is
// non-empty) plus environment variables under the PKGSTORE_ prefix,
// layering over defaults, and decodes the result into a Config.
func LoadConfig(configFile string, defaults map[string]any) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PKGSTORE")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("reading pkgstore config: %w", err)
			}
		}
	}
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("parsing pkgstore config: %w", err)
	}
	return cfg.withDefaults(), nil
}
