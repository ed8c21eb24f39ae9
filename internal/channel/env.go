package channel

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/stickypool/stickypool/internal/config"
)

// Environment variables that carry a worker's identity.
const (
	EnvService     = "STICKYPOOL_SERVICE"
	EnvEntryPoint  = "STICKYPOOL_ENTRY_POINT"
	EnvWorkerID    = "STICKYPOOL_WORKER_ID"
	EnvSticky      = "STICKYPOOL_STICKY"
	EnvMemoryLimit = "STICKYPOOL_MEMORY_LIMIT"
	EnvLogLevel    = "STICKYPOOL_LOG_LEVEL"
	EnvChannelFD   = "STICKYPOOL_CHANNEL_FD"
)

// DefaultChannelFD is where the first entry of exec.Cmd.ExtraFiles lands.
const DefaultChannelFD = 3

// WorkerEnv is everything a worker needs to start without the config file.
type WorkerEnv struct {
	Service     string
	EntryPoint  string
	WorkerID    int
	Sticky      []string
	MemoryLimit uint64
	LogLevel    string
	ChannelFD   int
}

// Environ encodes e as KEY=value pairs. Zero fields are omitted.
func (e WorkerEnv) Environ() []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	add(EnvService, e.Service)
	add(EnvEntryPoint, e.EntryPoint)
	if e.WorkerID > 0 {
		add(EnvWorkerID, strconv.Itoa(e.WorkerID))
	}
	add(EnvSticky, strings.Join(e.Sticky, ","))
	if e.MemoryLimit > 0 {
		add(EnvMemoryLimit, strconv.FormatUint(e.MemoryLimit, 10))
	}
	add(EnvLogLevel, e.LogLevel)
	if e.ChannelFD > 0 {
		add(EnvChannelFD, strconv.Itoa(e.ChannelFD))
	}
	return env
}

// WorkerEnvFromEnv decodes the worker identity from the environment.
func WorkerEnvFromEnv() (WorkerEnv, error) {
	return ParseWorkerEnv(os.Getenv)
}

// ParseWorkerEnv decodes the worker identity through getenv.
func ParseWorkerEnv(getenv func(string) string) (WorkerEnv, error) {
	e := WorkerEnv{
		Service:    getenv(EnvService),
		EntryPoint: getenv(EnvEntryPoint),
		LogLevel:   getenv(EnvLogLevel),
		ChannelFD:  DefaultChannelFD,
	}
	if e.Service == "" || e.EntryPoint == "" {
		return e, fmt.Errorf("%s and %s must be set", EnvService, EnvEntryPoint)
	}

	id, err := strconv.Atoi(getenv(EnvWorkerID))
	if err != nil || id <= 0 {
		return e, fmt.Errorf("invalid %s: %q", EnvWorkerID, getenv(EnvWorkerID))
	}
	e.WorkerID = id

	e.Sticky = config.ParseEndpointList(getenv(EnvSticky))

	if v := getenv(EnvMemoryLimit); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return e, fmt.Errorf("invalid %s: %w", EnvMemoryLimit, err)
		}
		e.MemoryLimit = limit
	}

	if v := getenv(EnvChannelFD); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil || fd < 0 {
			return e, fmt.Errorf("invalid %s: %q", EnvChannelFD, v)
		}
		e.ChannelFD = fd
	}

	return e, nil
}
