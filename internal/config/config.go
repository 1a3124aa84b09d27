package config

import (
	"errors"
	"fmt"
	"time"

	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/logging"
)

// DefaultPath is where the agent looks for its config when none is given.
const DefaultPath = "/etc/warden/warden.hcl"

// Set store backends.
const (
	BackendExec    = "exec"
	BackendNetlink = "netlink"
)

// Config is the agent configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	// IPSetBackend is "exec" (the ipset tool) or "netlink".
	IPSetBackend string `hcl:"ipset_backend,optional" json:"ipset_backend,omitempty"`
	// IPTablesWait is passed to iptables -w; zero waits forever.
	IPTablesWait int `hcl:"iptables_wait,optional" json:"iptables_wait,omitempty"`
	// DispatchProbe is "precise" or "coarse".
	DispatchProbe string `hcl:"dispatch_probe,optional" json:"dispatch_probe,omitempty"`
	// Families limits the address families the agent manages.
	Families []string `hcl:"families,optional" json:"families,omitempty"`

	// DescriptorDir holds one YAML endpoint descriptor per file.
	DescriptorDir   string `hcl:"descriptor_dir,optional" json:"descriptor_dir,omitempty"`
	MetricsTextfile string `hcl:"metrics_textfile,optional" json:"metrics_textfile,omitempty"`

	Metadata *MetadataConfig `hcl:"metadata,block" json:"metadata,omitempty"`
	Retry    *RetryConfig    `hcl:"retry,block" json:"retry,omitempty"`
	Syslog   *SyslogConfig   `hcl:"syslog,block" json:"syslog,omitempty"`
}

// MetadataConfig is the v4 metadata redirect.
type MetadataConfig struct {
	Address    string `hcl:"address,optional" json:"address,omitempty"`
	Port       int    `hcl:"port,optional" json:"port,omitempty"`
	RedirectTo string `hcl:"redirect_to,optional" json:"redirect_to,omitempty"`
}

// RetryConfig is the caller-side retry policy for whole operations.
type RetryConfig struct {
	Attempts     int    `hcl:"attempts,optional" json:"attempts,omitempty"`
	InitialDelay string `hcl:"initial_delay,optional" json:"initial_delay,omitempty"`
	MaxDelay     string `hcl:"max_delay,optional" json:"max_delay,omitempty"`
}

// SyslogConfig mirrors log lines to a remote syslog server.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// Default returns the config used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.IPSetBackend == "" {
		c.IPSetBackend = BackendExec
	}
	if c.IPTablesWait == 0 {
		c.IPTablesWait = 5
	}
	if c.DispatchProbe == "" {
		c.DispatchProbe = string(firewall.ProbePrecise)
	}
	if len(c.Families) == 0 {
		c.Families = []string{"v4", "v6"}
	}

	md := firewall.DefaultMetadataRedirect()
	if c.Metadata == nil {
		c.Metadata = &MetadataConfig{}
	}
	if c.Metadata.Address == "" {
		c.Metadata.Address = md.Address
	}
	if c.Metadata.Port == 0 {
		c.Metadata.Port = md.Port
	}
	if c.Metadata.RedirectTo == "" {
		c.Metadata.RedirectTo = md.RedirectTo
	}

	rc := firewall.DefaultRetryConfig()
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = rc.MaxAttempts
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = rc.InitialDelay.String()
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = rc.MaxDelay.String()
	}

	if c.Syslog != nil {
		sd := logging.DefaultSyslogConfig()
		if c.Syslog.Port == 0 {
			c.Syslog.Port = sd.Port
		}
		if c.Syslog.Protocol == "" {
			c.Syslog.Protocol = sd.Protocol
		}
		if c.Syslog.Tag == "" {
			c.Syslog.Tag = sd.Tag
		}
		if c.Syslog.Facility == 0 {
			c.Syslog.Facility = sd.Facility
		}
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.IPSetBackend {
	case BackendExec, BackendNetlink:
	default:
		errs = append(errs, fmt.Errorf("ipset_backend %q: want %s or %s", c.IPSetBackend, BackendExec, BackendNetlink))
	}
	if c.IPTablesWait < 0 {
		errs = append(errs, fmt.Errorf("iptables_wait %d: must not be negative", c.IPTablesWait))
	}
	if _, err := firewall.ParseDispatchProbe(c.DispatchProbe); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FamilyList(); err != nil {
		errs = append(errs, err)
	}
	if c.Metadata != nil {
		if err := c.MetadataRedirect().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry != nil {
		if _, err := c.RetryPolicy(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Syslog != nil {
		if c.Syslog.Host == "" {
			errs = append(errs, errors.New("syslog: host is required"))
		}
		if c.Syslog.Protocol != "udp" && c.Syslog.Protocol != "tcp" {
			errs = append(errs, fmt.Errorf("syslog: protocol %q: want udp or tcp", c.Syslog.Protocol))
		}
	}
	return errors.Join(errs...)
}

// FamilyList returns the configured families, IPv4 first.
func (c *Config) FamilyList() ([]firewall.Family, error) {
	want := make(map[firewall.Family]bool)
	for _, s := range c.Families {
		f, err := firewall.ParseFamily(s)
		if err != nil {
			return nil, fmt.Errorf("families: %w", err)
		}
		want[f] = true
	}
	var out []firewall.Family
	for _, f := range firewall.Families {
		if want[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("families: at least one family is required")
	}
	return out, nil
}

// Capabilities returns the firewall capability flags.
func (c *Config) Capabilities() firewall.Capabilities {
	probe, _ := firewall.ParseDispatchProbe(c.DispatchProbe)
	return firewall.Capabilities{DispatchProbe: probe}
}

// MetadataRedirect returns the configured redirect.
func (c *Config) MetadataRedirect() firewall.MetadataRedirect {
	if c.Metadata == nil {
		return firewall.DefaultMetadataRedirect()
	}
	return firewall.MetadataRedirect{
		Address:    c.Metadata.Address,
		Port:       c.Metadata.Port,
		RedirectTo: c.Metadata.RedirectTo,
	}
}

// RetryPolicy converts the retry block into the firewall retry config.
func (c *Config) RetryPolicy() (firewall.RetryConfig, error) {
	rc := firewall.DefaultRetryConfig()
	if c.Retry == nil {
		return rc, nil
	}
	if c.Retry.Attempts < 1 {
		return rc, fmt.Errorf("retry: attempts %d: must be at least 1", c.Retry.Attempts)
	}
	rc.MaxAttempts = c.Retry.Attempts

	var err error
	if c.Retry.InitialDelay != "" {
		if rc.InitialDelay, err = time.ParseDuration(c.Retry.InitialDelay); err != nil {
			return rc, fmt.Errorf("retry: initial_delay: %w", err)
		}
	}
	if c.Retry.MaxDelay != "" {
		if rc.MaxDelay, err = time.ParseDuration(c.Retry.MaxDelay); err != nil {
			return rc, fmt.Errorf("retry: max_delay: %w", err)
		}
	}
	if rc.MaxDelay < rc.InitialDelay {
		return rc, fmt.Errorf("retry: max_delay %s is shorter than initial_delay %s", rc.MaxDelay, rc.InitialDelay)
	}
	return rc, nil
}

// LoggingConfig returns the logger config; output is left to the caller.
func (c *Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.LogLevel)
	return logging.Config{Level: level, JSON: c.LogJSON}
}

// SyslogWriterConfig returns the syslog writer config, or false when
// syslog forwarding is off.
func (c *Config) SyslogWriterConfig() (logging.SyslogConfig, bool) {
	if c.Syslog == nil {
		return logging.SyslogConfig{}, false
	}
	return logging.SyslogConfig{
		Host:     c.Syslog.Host,
		Port:     c.Syslog.Port,
		Protocol: c.Syslog.Protocol,
		Tag:      c.Syslog.Tag,
		Facility: c.Syslog.Facility,
	}, true
}
