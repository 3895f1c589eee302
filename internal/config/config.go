// Package config loads townd's static process bootstrap configuration
// from a TOML file, the way the teacher loads gt.toml, and carries the
// per-town/per-rig dynamic KV config model (env-var map with
// "****"-prefix masking) described in spec.md §3/§6.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Process is townd's static bootstrap configuration, loaded once at
// startup. Per-tenant configuration (rig env vars, git auth, model
// defaults) is NOT here — it lives in each town's KV table, not this
// process-wide file.
type Process struct {
	DataDir             string `toml:"data_dir"`
	ListenAddr          string `toml:"listen_addr"`
	ContainerRuntimeURL string `toml:"container_runtime_url"`
	JWTSecret           string `toml:"jwt_secret"`
	LLMGatewayURL       string `toml:"llm_gateway_url"`
}

// Load reads and parses a Process config from path.
func Load(path string) (*Process, error) {
	var p Process
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if p.ListenAddr == "" {
		p.ListenAddr = ":8088"
	}
	if p.DataDir == "" {
		p.DataDir = "./data"
	}
	return &p, nil
}

// maskedPrefix marks an incoming env-var value as "preserve the
// existing stored value" (spec.md §6). A value consisting of this
// prefix followed by any suffix is a mask, never a literal secret.
const maskedPrefix = "****"

// IsMasked reports whether value is a mask placeholder rather than a
// literal value to store.
func IsMasked(value string) bool {
	return len(value) >= len(maskedPrefix) && value[:len(maskedPrefix)] == maskedPrefix
}

// MergeEnv replaces existing wholesale with incoming: a key omitted
// from incoming is gone from the result, not carried over. The one
// exception is a masked placeholder value, which stands for "keep
// whatever is already stored under this key" rather than "delete it" —
// resolved from existing if present, dropped entirely otherwise so a
// mask never leaks a literal "****" into storage.
func MergeEnv(existing, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(incoming))
	for k, v := range incoming {
		if IsMasked(v) {
			if real, ok := existing[k]; ok {
				merged[k] = real
			}
			continue
		}
		merged[k] = v
	}
	return merged
}
