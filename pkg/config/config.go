package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// DiscoveryMode selects the registry backend used to find peers
type DiscoveryMode string

const (
	// DiscoveryModeConsul queries the Consul health API
	DiscoveryModeConsul DiscoveryMode = "consul"
	// DiscoveryModeKubernetes lists ready pods matching a label selector
	DiscoveryModeKubernetes DiscoveryMode = "kubernetes"
)

// AdminMode selects how administrative commands reach the database
type AdminMode string

const (
	// AdminModeShell runs commands through the mongo shell binary
	AdminModeShell AdminMode = "shell"
	// AdminModeDriver runs commands through the Go driver
	AdminModeDriver AdminMode = "driver"
)

const (
	DefaultReplicaSet  = "rs0"
	DefaultPort        = 27017
	DefaultConfigFile  = "/etc/mongod.conf"
	DefaultShellBinary = "mongo"
	DefaultLabelKey    = "app"
)

// Config holds the configuration for a bootstrap run. It is built once in
// main and handed to every component; nothing mutates it afterwards.
type Config struct {
	// Service under which the replica set members register themselves
	ServiceName string `validate:"required"`
	ReplicaSet  string `validate:"required"`

	// Local database settings
	Port        int    `validate:"min=1,max=65535"`
	ConfigFile  string // mongod.conf inspected for the bind address
	Interface   string // restricts interface scanning when set
	AdminMode   AdminMode `validate:"oneof=shell driver"`
	ShellBinary string    `validate:"required_if=AdminMode shell"`

	// Registry settings
	Discovery        DiscoveryMode `validate:"oneof=consul kubernetes"`
	NodeName         string        `validate:"required"` // identifier of this host in the registry
	ConsulAddr       string
	ConsulDatacenter string
	Namespace        string `validate:"required_if=Discovery kubernetes"`
	LabelKey         string `validate:"required_if=Discovery kubernetes"`

	// Timeboxes
	LocalDBTimeout      time.Duration `validate:"gt=0"`
	LocalDBPollInterval time.Duration `validate:"gt=0"`
	ReplicationTimeout  time.Duration `validate:"gt=0"`
	RegistryTimeout     time.Duration `validate:"gt=0"`
	PollInterval        time.Duration `validate:"gt=0"`
	SettleDelay         time.Duration `validate:"gte=0"`

	// Optional node_exporter textfile the run metrics are written to
	MetricsTextfile string

	// Logging
	Debug bool
}

// Default returns a Config populated with the stock timeboxes and names.
func Default() *Config {
	return &Config{
		ReplicaSet:          DefaultReplicaSet,
		Port:                DefaultPort,
		ConfigFile:          DefaultConfigFile,
		AdminMode:           AdminModeShell,
		ShellBinary:         DefaultShellBinary,
		Discovery:           DiscoveryModeConsul,
		LabelKey:            DefaultLabelKey,
		LocalDBTimeout:      300 * time.Second,
		LocalDBPollInterval: time.Second,
		ReplicationTimeout:  1800 * time.Second,
		RegistryTimeout:     60 * time.Second,
		PollInterval:        5 * time.Second,
		SettleDelay:         10 * time.Second,
	}
}

var validate = validator.New()

// Validate checks required settings. Any problem is reported as a
// failure.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrConfiguration, formatValidationError(err))
	}
	return nil
}

// ValidateLocal checks only what is needed to query the local database,
// for commands that never touch the registry.
func (c *Config) ValidateLocal() error {
	if err := validate.StructPartial(c, "Port", "AdminMode", "ShellBinary", "PollInterval"); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrConfiguration, formatValidationError(err))
	}
	return nil
}

func formatValidationError(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required", e.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", e.Field(), e.Param(), e.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", e.Field(), e.Tag(), e.Param(), e.Value()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
