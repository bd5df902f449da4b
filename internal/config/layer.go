package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Keys shared by both layers
const (
	KeySecret         = "secret"
	KeyPort           = "port"
	KeyServer         = "server"
	KeyCwd            = "cwd"
	KeyServerDir      = "serverDir"
	KeyTwoWay         = "twoWay"
	KeyDeleteOnRemote = "deleteOnRemote"
	KeyDeleteByRemote = "deleteByRemote"
)

// Redacted replaces the secret wherever configuration is printed
const Redacted = "[REDACTED]"

var layerKeys = []string{
	KeySecret, KeyPort, KeyServer, KeyCwd, KeyServerDir,
	KeyTwoWay, KeyDeleteOnRemote, KeyDeleteByRemote,
}

// Layer holds the keys explicitly present in one configuration source.
// A key that is absent is different from a key set to its zero value.
type Layer map[string]interface{}

// Has reports whether key is present
func (l Layer) Has(key string) bool {
	_, ok := l[key]
	return ok
}

// LayerFromViper captures the layer keys set in v
func LayerFromViper(v *viper.Viper) Layer {
	layer := Layer{}
	if v == nil {
		return layer
	}
	for _, key := range layerKeys {
		if v.IsSet(key) {
			layer[key] = v.Get(key)
		}
	}
	return layer
}

// Effective is the resolved, read-only configuration a session or a client
// works with
type Effective struct {
	Server         string `json:"server,omitempty"`
	Secret         string `json:"secret,omitempty"`
	ServerDir      string `json:"serverDir,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Port           int    `json:"port"`
	TwoWay         bool   `json:"twoWay"`
	DeleteOnRemote bool   `json:"deleteOnRemote"`
	DeleteByRemote bool   `json:"deleteByRemote"`
}

// Resolve computes every key as project-if-present-else-global
func Resolve(project, global Layer) (Effective, error) {
	pick := func(key string) interface{} {
		if project.Has(key) {
			return project[key]
		}
		return global[key]
	}

	port, err := cast.ToIntE(pick(KeyPort))
	if err != nil {
		return Effective{}, fmt.Errorf("invalid %s: %w", KeyPort, err)
	}

	var eff Effective
	eff.Port = port

	strs := map[string]*string{
		KeyServer:    &eff.Server,
		KeySecret:    &eff.Secret,
		KeyServerDir: &eff.ServerDir,
		KeyCwd:       &eff.Cwd,
	}
	for key, dst := range strs {
		s, err := cast.ToStringE(pick(key))
		if err != nil {
			return Effective{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = s
	}

	bools := map[string]*bool{
		KeyTwoWay:         &eff.TwoWay,
		KeyDeleteOnRemote: &eff.DeleteOnRemote,
		KeyDeleteByRemote: &eff.DeleteByRemote,
	}
	for key, dst := range bools {
		b, err := cast.ToBoolE(pick(key))
		if err != nil {
			return Effective{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	return eff, nil
}

// Redacted returns a copy safe to print
func (e Effective) Redacted() Effective {
	if e.Secret != "" {
		e.Secret = Redacted
	}
	return e
}

// URL returns the websocket endpoint of the configured server. A server
// without a scheme is reached over plain ws, http and https map to ws and
// wss, and the configured port is used unless the server names one.
func (e Effective) URL() (string, error) {
	server := strings.TrimSpace(e.Server)
	if server == "" {
		return "", fmt.Errorf("server is required")
	}
	if strings.HasPrefix(server, "//") {
		server = "ws:" + server
	} else if !strings.Contains(server, "://") {
		server = "ws://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server %q: %w", e.Server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Port() == "" {
		port := e.Port
		if port == 0 {
			port = DefaultPort
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	u.Path = "/ws"
	return u.String(), nil
}
