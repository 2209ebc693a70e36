// Package config parses the gateway's environment-variable configuration
// into a single Config value, following the CheckAndSetDefaults convention
// used throughout lib/srv's config structs.
package config

import (
	"os"
	"strconv"

	"github.com/gravitational/trace"
)

// Config is the complete process configuration, read from the environment
// variables named in spec.md's External Interfaces section.
type Config struct {
	// DataDir is the root of persistent state: <data>/host_key,
	// <data>/tls/, <data>/recordings/{ssh,rdp}/.
	DataDir string
	// DBURL is the Postgres connection string for the Policy Store.
	DBURL string
	// SSHListenPort is the port every SSH front-end listener binds on
	// each proxy IP. Default 22.
	SSHListenPort int
	// RDPListenPort is the port every RDP front-end listener binds on
	// each proxy IP. Default 3389.
	RDPListenPort int
	// TranscodeWorkers bounds concurrently running transcode jobs (W).
	TranscodeWorkers int
	// TranscodeQueueMax bounds pending transcode jobs (P).
	TranscodeQueueMax int
}

// FromEnv reads a Config from the process environment and applies defaults.
func FromEnv() (Config, error) {
	c := Config{
		DataDir:           os.Getenv("DATA_DIR"),
		DBURL:             os.Getenv("DB_URL"),
		SSHListenPort:     22,
		RDPListenPort:     3389,
		TranscodeWorkers:  2,
		TranscodeQueueMax: 10,
	}
	if v := os.Getenv("SSH_LISTEN_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, trace.BadParameter("SSH_LISTEN_PORT: %v", err)
		}
		c.SSHListenPort = n
	}
	if v := os.Getenv("RDP_LISTEN_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, trace.BadParameter("RDP_LISTEN_PORT: %v", err)
		}
		c.RDPListenPort = n
	}
	if v := os.Getenv("TRANSCODE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, trace.BadParameter("TRANSCODE_WORKERS: %v", err)
		}
		c.TranscodeWorkers = n
	}
	if v := os.Getenv("TRANSCODE_QUEUE_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, trace.BadParameter("TRANSCODE_QUEUE_MAX: %v", err)
		}
		c.TranscodeQueueMax = n
	}
	return c, c.CheckAndSetDefaults()
}

// CheckAndSetDefaults validates required fields and fills in defaults for
// anything left zero, mirroring AuthHandlerConfig.CheckAndSetDefaults in
// lib/srv/authhandlers.go.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("DATA_DIR must be set")
	}
	if c.DBURL == "" {
		return trace.BadParameter("DB_URL must be set")
	}
	if c.SSHListenPort == 0 {
		c.SSHListenPort = 22
	}
	if c.RDPListenPort == 0 {
		c.RDPListenPort = 3389
	}
	if c.TranscodeWorkers == 0 {
		c.TranscodeWorkers = 2
	}
	if c.TranscodeQueueMax == 0 {
		c.TranscodeQueueMax = 10
	}
	return nil
}
