package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirdeggen/p2m/internal/config"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const configFileName = "p2m"

// EnvReplacer replaces `-` to `_`.
// This is used to map flag like `--my-param` to environment variables like `MY_PARAM`.
var envReplacer = strings.NewReplacer("-", "_")

func init() {
	viper.SetEnvPrefix("P2M")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(envReplacer)
}

// loadConfigFile reads the optional p2m config file (yaml, toml, json...)
// found in the datadir and applies its values to the flags not set on the
// command line or through env vars.
func loadConfigFile(c *cli.Context) error {
	v := viper.New()
	v.SetConfigName(configFileName)
	v.AddConfigPath(c.String(config.Datadir.Name))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	for _, flag := range config.Flags {
		name := flag.Names()[0]
		if c.IsSet(name) || viper.IsSet(name) || !v.IsSet(name) {
			continue
		}
		if err := c.Set(name, v.GetString(name)); err != nil {
			return fmt.Errorf("invalid %s in config file: %w", name, err)
		}
	}
	return nil
}
