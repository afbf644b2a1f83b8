package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xhd2015/dlv-pump/debug"
	"github.com/xhd2015/dlv-pump/log"
)

// Config keys.
const (
	keyTransport      = "debugger"
	keyRequestTimeout = "request_timeout"
	keyLogLevel       = "log_level"
	keyLogFormat      = "log_format"
	keyLogOutput      = "log_output"
	keyTrace          = "trace"
)

type config struct {
	Transport      string
	RequestTimeout time.Duration
	Trace          bool
	Log            log.Config
}

// newViper reads configuration from, in increasing precedence, defaults,
// .dlv-pump.yaml in the home or working directory, .env files and
// DLV_PUMP_* environment variables.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(keyTransport, debug.TransportDAP)
	v.SetDefault(keyRequestTimeout, 3*time.Second)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "auto")
	v.SetDefault(keyTrace, false)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".dlv-pump")
	}

	loadEnvFiles()
	v.SetEnvPrefix("DLV_PUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// loadEnvFiles loads .env.local before .env. godotenv never overwrites a
// variable, so the environment wins over both files.
func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		_ = godotenv.Load(file)
	}
}

func readConfig(v *viper.Viper) config {
	return config{
		Transport:      v.GetString(keyTransport),
		RequestTimeout: v.GetDuration(keyRequestTimeout),
		Trace:          v.GetBool(keyTrace),
		Log: log.Config{
			Level:  v.GetString(keyLogLevel),
			Format: v.GetString(keyLogFormat),
			Output: v.GetString(keyLogOutput),
		},
	}
}

// watchRequestTimeout calls apply whenever the config file changes the
// request timeout.
func watchRequestTimeout(v *viper.Viper, logger log.Logger, apply func(time.Duration)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	current := v.GetDuration(keyRequestTimeout)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		d := v.GetDuration(keyRequestTimeout)
		if d <= 0 || d == current {
			return
		}
		logger.Infof("%s changed, request timeout %s -> %s", e.Name, current, d)
		current = d
		apply(d)
	})
	v.WatchConfig()
}
