// Package sources defines the narrow interfaces through which the pipeline
// consumes externally managed configuration: the public remote source, the
// optional user-configured mirror, and transfer settings. Mirror and settings
// storage live outside this system; only the contracts are fixed here.
package sources

import (
	"encoding/base64"
	"errors"
	"strings"

	"gantry/internal/config"
)

// Remote describes the public content source.
type Remote struct {
	// BaseAddress is the root URL the transfer tool reads from.
	BaseAddress string
	// Password is base64-encoded at rest.
	Password string
}

// DecodePassword returns the cleartext password.
func (r Remote) DecodePassword() (string, error) {
	trimmed := strings.TrimSpace(r.Password)
	if trimmed == "" {
		return "", errors.New("source password not configured")
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", errors.New("source password is not valid base64")
	}
	return string(decoded), nil
}

// Configured reports whether the remote carries a usable base address.
func (r Remote) Configured() bool {
	return strings.TrimSpace(r.BaseAddress) != ""
}

// Provider resolves the public remote source.
type Provider interface {
	Remote() (Remote, error)
}

// Mirror is a user-configured alternate source tried before the public one.
type Mirror struct {
	// Name identifies the transfer tool connection profile (an rclone
	// remote name).
	Name string
}

// MirrorProvider resolves the active mirror, if any. A nil mirror with a nil
// error means no mirror is configured.
type MirrorProvider interface {
	ActiveMirror() (*Mirror, error)
}

// Settings exposes user transfer preferences. Zero means unlimited.
type Settings interface {
	DownloadRateLimitKiB() int
	UploadRateLimitKiB() int
}

// ConfigProvider adapts the application config file to the Provider and
// Settings contracts.
type ConfigProvider struct {
	cfg *config.Config
}

func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	return &ConfigProvider{cfg: cfg}
}

func (p *ConfigProvider) Remote() (Remote, error) {
	remote := Remote{
		BaseAddress: p.cfg.Source.BaseAddress,
		Password:    p.cfg.Source.Password,
	}
	if !remote.Configured() {
		return Remote{}, errors.New("source.base_address not configured")
	}
	return remote, nil
}

func (p *ConfigProvider) DownloadRateLimitKiB() int {
	return p.cfg.Bandwidth.DownloadLimitKiB
}

func (p *ConfigProvider) UploadRateLimitKiB() int {
	return p.cfg.Bandwidth.UploadLimitKiB
}

var (
	_ Provider = (*ConfigProvider)(nil)
	_ Settings = (*ConfigProvider)(nil)
)

// NoMirror is a MirrorProvider with no mirror configured.
type NoMirror struct{}

func (NoMirror) ActiveMirror() (*Mirror, error) { return nil, nil }
