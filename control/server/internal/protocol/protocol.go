// Package protocol models the proxy protocols a node advertises. Each
// protocol type carries only the settings blocks that make sense for it and is
// validated before it is stored on a node.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caldog20/fleetcore/control/server/internal/validate"
)

type Type string

const (
	VLESS       Type = "vless"
	VMess       Type = "vmess"
	Trojan      Type = "trojan"
	Shadowsocks Type = "shadowsocks"
	Hysteria2   Type = "hysteria2"
	SOCKS       Type = "socks"
	HTTP        Type = "http"
)

var (
	ErrUnknownType    = errors.New("unknown protocol type")
	ErrInvalidPort    = errors.New("listen port out of range")
	ErrMissingSetting = errors.New("required protocol setting missing")
	ErrNotAllowed     = errors.New("setting not allowed for protocol")
	ErrInvalidSetting = errors.New("invalid protocol setting")
)

type Transport struct {
	Network     string `json:"network" validate:"oneof=tcp ws grpc http httpupgrade quic"`
	Path        string `json:"path,omitempty" validate:"omitempty,startswith=/"`
	Host        string `json:"host,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

type TLS struct {
	ServerName string   `json:"server_name,omitempty"`
	ALPN       []string `json:"alpn,omitempty" validate:"omitempty,dive,oneof=h2 http/1.1 h3"`
	Insecure   bool     `json:"insecure,omitempty"`
}

type Reality struct {
	PublicKey   string `json:"public_key" validate:"required"`
	ShortID     string `json:"short_id" validate:"required,hexadecimal,max=16"`
	ServerName  string `json:"server_name" validate:"required"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Capability is one protocol endpoint exposed by a node. Extra holds knobs
// that only a specific proxy implementation understands.
type Capability struct {
	Type      Type           `json:"type" validate:"oneof=vless vmess trojan shadowsocks hysteria2 socks http"`
	Port      int            `json:"port" validate:"min=1,max=65535"`
	Method    string         `json:"method,omitempty" validate:"omitempty,max=64"`
	Transport *Transport     `json:"transport,omitempty"`
	TLS       *TLS           `json:"tls,omitempty"`
	Reality   *Reality       `json:"reality,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

const shadowsocksMethods = "oneof=aes-128-gcm aes-256-gcm chacha20-ietf-poly1305 2022-blake3-aes-128-gcm 2022-blake3-aes-256-gcm"

// Validate checks the field rules of c and then the settings each protocol
// type allows or requires. Type is normalized to lower case.
func (c *Capability) Validate() error {
	c.Type = Type(strings.ToLower(string(c.Type)))
	if err := validate.Struct(c); err != nil {
		return c.fieldError(err)
	}

	switch c.Type {
	case VLESS:
		if c.TLS != nil && c.Reality != nil {
			return fmt.Errorf("%s: tls and reality are mutually exclusive", c.Type)
		}
	case VMess:
		if c.Reality != nil {
			return fmt.Errorf("%s: reality: %w", c.Type, ErrNotAllowed)
		}
	case Trojan:
		if c.Reality != nil {
			return fmt.Errorf("%s: reality: %w", c.Type, ErrNotAllowed)
		}
		if c.TLS == nil {
			return fmt.Errorf("%s: tls: %w", c.Type, ErrMissingSetting)
		}
	case Shadowsocks:
		if err := validate.Var(c.Method, "required,"+shadowsocksMethods); err != nil {
			return fmt.Errorf("%s: %w: unsupported method %q", c.Type, ErrInvalidSetting, c.Method)
		}
		if c.TLS != nil || c.Reality != nil || c.Transport != nil {
			return fmt.Errorf("%s: transport/tls/reality: %w", c.Type, ErrNotAllowed)
		}
	case Hysteria2:
		if c.TLS == nil {
			return fmt.Errorf("%s: tls: %w", c.Type, ErrMissingSetting)
		}
		if c.Transport != nil || c.Reality != nil {
			return fmt.Errorf("%s: transport/reality: %w", c.Type, ErrNotAllowed)
		}
	case SOCKS, HTTP:
		if c.Transport != nil || c.Reality != nil {
			return fmt.Errorf("%s: transport/reality: %w", c.Type, ErrNotAllowed)
		}
	}
	return nil
}

// fieldError maps the first failed tag rule onto the package errors.
func (c *Capability) fieldError(err error) error {
	fe, ok := validate.First(err)
	if !ok {
		return err
	}
	switch {
	case fe.StructNamespace() == "Capability.Type":
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	case fe.StructNamespace() == "Capability.Port":
		return fmt.Errorf("%s: %w: %d", c.Type, ErrInvalidPort, c.Port)
	case fe.Tag() == "required":
		return fmt.Errorf("%s: %s: %w", c.Type, strings.TrimPrefix(fe.Namespace(), "Capability."), ErrMissingSetting)
	}
	return fmt.Errorf("%s: %w: %s", c.Type, ErrInvalidSetting, validate.Message(err))
}
