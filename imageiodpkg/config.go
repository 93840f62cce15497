// Package imageiodpkg implements the ovirt-imageiod server: the three
// listeners (remote TLS data, local Unix-socket data, control) and the
// images/tickets HTTP handlers of spec §4.4/§4.5/§6.
package imageiodpkg

import (
	"time"

	"github.com/ovirt/imageiod/conf"
	"github.com/ovirt/imageiod/logging"
)

// Config is the typed [IMAGEIOD] section, matching the teacher's own
// configStruct-per-service convention (imgr/imgrpkg/globals.go).
type Config struct {
	RemoteIPAddr string // TLS data listener address; "" disables it
	RemotePort   uint16

	LocalUnixSocket string // local (loopback) Unix-socket data listener path

	ControlUnixSocket string // preferred control listener transport
	ControlTCPAddr    string // used only if ControlUnixSocket == ""
	ControlTCPPort    uint16

	TLSCertFilePath string
	TLSKeyFilePath  string
	TLSCAFilePath   string
	TLSMinVersion11 bool // if true, allow TLSv1.1; default is TLSv1.2+

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReaperInterval     time.Duration
	InactivityCheckMin time.Duration

	LogFilePath  string
	LogToConsole bool
	TraceEnabled bool
}

// LoadConfig reads the [IMAGEIOD] section of confMap into a Config.
func LoadConfig(confMap conf.ConfMap) (cfg Config, err error) {
	cfg.RemoteIPAddr, err = confMap.FetchOptionValueString("IMAGEIOD", "RemoteIPAddr")
	if err != nil {
		return Config{}, err
	}
	cfg.RemotePort, err = confMap.FetchOptionValueUint16("IMAGEIOD", "RemotePort")
	if err != nil {
		return Config{}, err
	}
	cfg.LocalUnixSocket, err = confMap.FetchOptionValueString("IMAGEIOD", "LocalUnixSocket")
	if err != nil {
		return Config{}, err
	}

	err = confMap.VerifyOptionIsMissing("IMAGEIOD", "ControlUnixSocket")
	if err != nil {
		cfg.ControlUnixSocket, err = confMap.FetchOptionValueString("IMAGEIOD", "ControlUnixSocket")
		if err != nil {
			return Config{}, err
		}
	}
	if cfg.ControlUnixSocket == "" {
		cfg.ControlTCPAddr, err = confMap.FetchOptionValueString("IMAGEIOD", "ControlTCPAddr")
		if err != nil {
			return Config{}, err
		}
		cfg.ControlTCPPort, err = confMap.FetchOptionValueUint16("IMAGEIOD", "ControlTCPPort")
		if err != nil {
			return Config{}, err
		}
	}

	cfg.TLSCertFilePath, err = confMap.FetchOptionValueString("IMAGEIOD", "TLSCertFilePath")
	if err != nil {
		return Config{}, err
	}
	cfg.TLSKeyFilePath, err = confMap.FetchOptionValueString("IMAGEIOD", "TLSKeyFilePath")
	if err != nil {
		return Config{}, err
	}
	err = confMap.VerifyOptionIsMissing("IMAGEIOD", "TLSCAFilePath")
	if err != nil {
		cfg.TLSCAFilePath, err = confMap.FetchOptionValueString("IMAGEIOD", "TLSCAFilePath")
		if err != nil {
			return Config{}, err
		}
	}
	cfg.TLSMinVersion11, err = confMap.FetchOptionValueBool("IMAGEIOD", "TLSMinVersion11")
	if err != nil {
		return Config{}, err
	}

	cfg.ReadTimeout, err = confMap.FetchOptionValueDuration("IMAGEIOD", "ReadTimeout")
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = confMap.FetchOptionValueDuration("IMAGEIOD", "WriteTimeout")
	if err != nil {
		return Config{}, err
	}
	cfg.ReaperInterval, err = confMap.FetchOptionValueDuration("IMAGEIOD", "ReaperInterval")
	if err != nil {
		return Config{}, err
	}

	err = confMap.VerifyOptionIsMissing("IMAGEIOD", "LogFilePath")
	if err == nil {
		cfg.LogFilePath = ""
	} else {
		cfg.LogFilePath, err = confMap.FetchOptionValueString("IMAGEIOD", "LogFilePath")
		if err != nil {
			return Config{}, err
		}
	}
	cfg.LogToConsole, err = confMap.FetchOptionValueBool("IMAGEIOD", "LogToConsole")
	if err != nil {
		return Config{}, err
	}
	cfg.TraceEnabled, err = confMap.FetchOptionValueBool("IMAGEIOD", "TraceEnabled")
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) loggingConfig() logging.Config {
	return logging.Config{FilePath: cfg.LogFilePath, ToConsole: cfg.LogToConsole, Trace: cfg.TraceEnabled}
}
