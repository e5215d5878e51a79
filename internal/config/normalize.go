package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeNetwork()
	if err := c.normalizeAudio(); err != nil {
		return err
	}
	c.normalizeGateway()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		c.Paths.ArtifactDir = defaultArtifactDir
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaultServerBaseURL
	}
	if c.Server.Token == "" {
		if value, ok := os.LookupEnv("CARENOTE_SERVER_TOKEN"); ok {
			c.Server.Token = strings.TrimSpace(value)
		}
	}
	c.Agent.APIBind = strings.TrimSpace(c.Agent.APIBind)
	c.Agent.APIToken = strings.TrimSpace(c.Agent.APIToken)
	if c.Agent.APIBind == "" {
		c.Agent.APIBind = defaultAgentAPIBind
	}
}

func (c *Config) normalizeNetwork() {
	c.Network.ProbeURL = strings.TrimSpace(c.Network.ProbeURL)
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = c.Server.BaseURL + defaultProbePath
	}
}

func (c *Config) normalizeAudio() error {
	c.Audio.MimeType = strings.TrimSpace(c.Audio.MimeType)
	if c.Audio.MimeType == "" {
		c.Audio.MimeType = defaultAudioMimeType
	}
	if len(c.Audio.CaptureCommand) == 0 {
		c.Audio.CaptureCommand = append([]string(nil), defaultCaptureCommand...)
	}
	c.Audio.TargetLanguage = strings.TrimSpace(c.Audio.TargetLanguage)
	if c.Audio.TargetLanguage == "" {
		c.Audio.TargetLanguage = defaultAudioTargetLanguage
	}
	tag, err := language.Parse(c.Audio.TargetLanguage)
	if err != nil {
		return fmt.Errorf("audio.target_language: %w", err)
	}
	c.targetLanguage = tag
	c.Audio.TargetLanguage = tag.String()
	return nil
}

func (c *Config) normalizeGateway() {
	c.Gateway.Bind = strings.TrimSpace(c.Gateway.Bind)
	if c.Gateway.Bind == "" {
		c.Gateway.Bind = defaultGatewayBind
	}
	c.Gateway.UpstreamURL = strings.TrimRight(strings.TrimSpace(c.Gateway.UpstreamURL), "/")
	if c.Gateway.UpstreamURL == "" {
		c.Gateway.UpstreamURL = c.Server.BaseURL
	}
	c.Gateway.CacheVersion = strings.TrimSpace(c.Gateway.CacheVersion)
	if c.Gateway.CacheVersion == "" {
		c.Gateway.CacheVersion = defaultGatewayCacheVersion
	}
	manifest := make([]string, 0, len(c.Gateway.Manifest))
	for _, entry := range c.Gateway.Manifest {
		if entry = strings.TrimSpace(entry); entry != "" {
			manifest = append(manifest, entry)
		}
	}
	c.Gateway.Manifest = manifest
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
