package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// bindConfig layers configuration sources in precedence order: CLI flags
// (bound by the caller), environment variables prefixed RELAY_, then the
// config file, then defaults. It mirrors the flags>env>file>defaults chain
// the wider corpus uses for its CLI clients.
func bindConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	v.SetDefault("server", "relay.example.com:8080")
	v.SetDefault("subdomain", "")
	v.SetDefault("debug", false)
	v.SetDefault("reconnect", true)
	v.SetDefault("max_retries", 0)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".relay")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".relay.yaml")
}
