package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateNetwork(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateAudio(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateServer() error {
	if err := validateURL("server.base_url", c.Server.BaseURL); err != nil {
		return err
	}
	if c.Gateway.Enabled {
		if err := validateURL("gateway.upstream_url", c.Gateway.UpstreamURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if err := validateURL("network.probe_url", c.Network.ProbeURL); err != nil {
		return err
	}
	if c.Network.ProbeInterval <= 0 {
		return errors.New("network.probe_interval must be positive")
	}
	if c.Network.ProbeTimeout <= 0 {
		return errors.New("network.probe_timeout must be positive")
	}
	if c.Network.ProbeTimeout > c.Network.ProbeInterval {
		return errors.New("network.probe_timeout must not exceed network.probe_interval")
	}
	if s := c.Network.ExpectStatus; s != 0 && (s < 200 || s > 499 || (s >= 300 && s < 400)) {
		return errors.New("network.probe_expect_status must be a 2xx or 4xx status, or 0")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.ReplayRate <= 0 {
		return errors.New("queue.replay_rate must be positive")
	}
	if c.Queue.RequestTimeout <= 0 {
		return errors.New("queue.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateAudio() error {
	if c.Audio.MaxSeconds <= 0 {
		return errors.New("audio.max_seconds must be positive")
	}
	if c.Audio.MaxBytes <= 0 {
		return errors.New("audio.max_bytes must be positive")
	}
	if c.Audio.MinFreeMiB < 0 {
		return errors.New("audio.min_free_mib must be >= 0")
	}
	if c.Audio.UploadTimeout <= 0 {
		return errors.New("audio.upload_timeout must be positive")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.Timeout <= 0 {
		return errors.New("session.timeout must be positive")
	}
	if c.Session.Warning <= 0 || c.Session.Warning >= c.Session.Timeout {
		return fmt.Errorf("session.warning must be between 1 and %d seconds", c.Session.Timeout-1)
	}
	if c.Session.AutosaveInterval <= 0 {
		return errors.New("session.autosave_interval must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func validateURL(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s must be set", key)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", key, value)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}
