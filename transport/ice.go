// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// Embedding daemons refresh this periodically when their TURN
// credentials are time-limited.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	// An empty list yields host candidates only, which is sufficient
	// for same-machine and same-LAN peers.
	Servers []webrtc.ICEServer
}

// TURNCredentials is a set of time-limited TURN credentials, typically
// obtained from a TURN REST endpoint that derives them from a shared
// secret.
type TURNCredentials struct {
	// Username is the TURN username (typically a Unix timestamp).
	Username string `yaml:"username"`
	// Password is the HMAC credential derived from the shared secret.
	Password string `yaml:"password"`
	// URIs lists the TURN server URIs
	// (e.g., ["turn:host:3478?transport=udp"]).
	URIs []string `yaml:"uris"`
	// TTL is the credential lifetime in seconds.
	TTL int64 `yaml:"ttl"`
}

// ICEConfigFromTURN converts TURN credentials into an ICEConfig
// suitable for pion/webrtc. When turn is nil or carries no URIs (no
// TURN infrastructure available), returns a config with only host
// candidates — sufficient for same-machine and same-LAN peers.
func ICEConfigFromTURN(turn *TURNCredentials) ICEConfig {
	if turn == nil || len(turn.URIs) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{
		Servers: []webrtc.ICEServer{
			{
				URLs:       turn.URIs,
				Username:   turn.Username,
				Credential: turn.Password,
			},
		},
	}
}

// iceConfigFile is the YAML shape of an ICE server configuration file.
type iceConfigFile struct {
	Servers []iceServerEntry `yaml:"servers"`
}

// iceServerEntry is one server in an ICE configuration file. Username
// and Credential are empty for STUN entries.
type iceServerEntry struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// LoadICEConfig reads an ICE server configuration from a YAML file:
//
//	servers:
//	  - urls: ["stun:stun.example.org:3478"]
//	  - urls: ["turn:turn.example.org:3478?transport=udp"]
//	    username: "1724572800"
//	    credential: "secret"
//
// Entries without urls are rejected. A file with an empty servers list
// is valid and yields a host-candidates-only config.
func LoadICEConfig(path string) (ICEConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("reading ICE config %s: %w", path, err)
	}

	var file iceConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ICEConfig{}, fmt.Errorf("parsing ICE config %s: %w", path, err)
	}

	var config ICEConfig
	for i, entry := range file.Servers {
		if len(entry.URLs) == 0 {
			return ICEConfig{}, fmt.Errorf("ICE config %s: server entry %d has no urls", path, i)
		}
		server := webrtc.ICEServer{URLs: entry.URLs, Username: entry.Username}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		config.Servers = append(config.Servers, server)
	}
	return config, nil
}
