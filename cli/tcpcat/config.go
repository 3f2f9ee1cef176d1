package main

import (
	"encoding/json"
	"os"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"
	"github.com/sagernet/loopnet/common/log"

	"github.com/sirupsen/logrus"
)

type flags struct {
	Timeout        string `json:"timeout"`
	ConnectTimeout string `json:"connect_timeout"`
	KeepAlive      string `json:"keepalive"`
	NoDelay        bool   `json:"nodelay"`
	HalfOpen       bool   `json:"half_open"`
	Echo           bool   `json:"echo"`
	Metrics        string `json:"metrics"`
	LogLevel       string `json:"log_level"`
	Verbose        bool   `json:"verbose"`
	ConfigFile     string `json:"-"`
}

type options struct {
	timeout        time.Duration
	connectTimeout time.Duration
	keepAlive      time.Duration
	noDelay        bool
	halfOpen       bool
	echo           bool
	metrics        string
}

// load merges the config file into flags left unset on the command line.
func (f *flags) load() (*options, error) {
	if f.ConfigFile != "" {
		content, err := os.ReadFile(f.ConfigFile)
		if err != nil {
			return nil, E.Cause(err, "read config file")
		}
		flagsNew := new(flags)
		err = json.Unmarshal(content, flagsNew)
		if err != nil {
			return nil, E.Cause(err, "decode config file")
		}
		if flagsNew.Timeout != "" && f.Timeout == "" {
			f.Timeout = flagsNew.Timeout
		}
		if flagsNew.ConnectTimeout != "" && f.ConnectTimeout == "" {
			f.ConnectTimeout = flagsNew.ConnectTimeout
		}
		if flagsNew.KeepAlive != "" && f.KeepAlive == "" {
			f.KeepAlive = flagsNew.KeepAlive
		}
		if flagsNew.Metrics != "" && f.Metrics == "" {
			f.Metrics = flagsNew.Metrics
		}
		if flagsNew.LogLevel != "" && f.LogLevel == "" {
			f.LogLevel = flagsNew.LogLevel
		}
		if flagsNew.NoDelay {
			f.NoDelay = true
		}
		if flagsNew.HalfOpen {
			f.HalfOpen = true
		}
		if flagsNew.Echo {
			f.Echo = true
		}
		if flagsNew.Verbose {
			f.Verbose = true
		}
	}

	logOptions := log.Options{Level: f.LogLevel, Output: os.Stderr}
	if f.Verbose {
		logOptions.Level = logrus.TraceLevel.String()
	}
	if err := log.Configure(logOptions); err != nil {
		return nil, err
	}

	o := &options{
		noDelay:  f.NoDelay,
		halfOpen: f.HalfOpen,
		echo:     f.Echo,
		metrics:  f.Metrics,
	}
	var err error
	if o.timeout, err = parseDuration(f.Timeout); err != nil {
		return nil, E.Cause(err, "parse timeout")
	}
	if o.connectTimeout, err = parseDuration(f.ConnectTimeout); err != nil {
		return nil, E.Cause(err, "parse connect timeout")
	}
	if o.keepAlive, err = parseDuration(f.KeepAlive); err != nil {
		return nil, E.Cause(err, "parse keepalive")
	}
	return o, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
