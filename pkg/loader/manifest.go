package loader

import (
	"encoding/base64"
	"fmt"
)

// Manifest is the top-level TOML application manifest.
type Manifest struct {
	Application ApplicationSection          `toml:"application" validate:"required"`
	Variables   map[string]VariableSection  `toml:"variables"`
	Trigger     TriggerSection              `toml:"trigger"`
	Components  map[string]ComponentSection `toml:"component" validate:"required,min=1"`
}

// ApplicationSection is the [application] table.
type ApplicationSection struct {
	Name        string `toml:"name" validate:"required"`
	Version     string `toml:"version"`
	Description string `toml:"description"`

	// BasePath prefixes every HTTP route. Defaults to "/".
	BasePath string `toml:"base_path"`
}

// VariableSection declares one [variables] entry. Exactly one of default or
// required must be set.
type VariableSection struct {
	Default  *string `toml:"default"`
	Required bool    `toml:"required"`
	Secret   bool    `toml:"secret"`
}

// TriggerSection groups the [[trigger.<type>]] arrays.
type TriggerSection struct {
	HTTP  []HTTPTriggerSection  `toml:"http"`
	Redis []RedisTriggerSection `toml:"redis"`
}

// HTTPTriggerSection is one [[trigger.http]] entry.
type HTTPTriggerSection struct {
	ID        string `toml:"id"`
	Route     string `toml:"route" validate:"required"`
	Component string `toml:"component" validate:"required"`
	Executor  string `toml:"executor" validate:"omitempty,oneof=http wagi"`
}

// RedisTriggerSection is one [[trigger.redis]] entry.
type RedisTriggerSection struct {
	ID        string `toml:"id"`
	Address   string `toml:"address" validate:"required"`
	Channel   string `toml:"channel" validate:"required"`
	Component string `toml:"component" validate:"required"`
}

// ComponentSection is one [component.<id>] table. Source and Files accept
// either a plain string or a detailed table, so they decode untyped and are
// normalised afterwards.
type ComponentSection struct {
	Source      interface{}       `toml:"source" validate:"required"`
	Environment map[string]string `toml:"environment"`
	Files       []interface{}     `toml:"files"`
	Config      map[string]string `toml:"config"`

	AllowedOutboundHosts []string `toml:"allowed_outbound_hosts"`
	AllowedHTTPHosts     []string `toml:"allowed_http_hosts"`
	KeyValueStores       []string `toml:"key_value_stores"`
	SQLiteDatabases      []string `toml:"sqlite_databases"`
	AIModels             []string `toml:"ai_models"`
}

// contentSource is the normalised form of a component source or mounted file
// content entry.
type contentSource struct {
	Path        string
	Inline      []byte
	Digest      string
	ContentType string
}

// normalizeContentSource accepts a string path or a table with source,
// inline, digest and content_type keys.
func normalizeContentSource(raw interface{}) (*contentSource, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("empty source path")
		}
		return &contentSource{Path: v}, nil
	case map[string]interface{}:
		src := &contentSource{}
		for key, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("source field %q must be a string", key)
			}
			switch key {
			case "source":
				src.Path = s
			case "inline":
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("inline content is not valid base64: %w", err)
				}
				src.Inline = decoded
			case "digest":
				src.Digest = s
			case "content_type":
				src.ContentType = s
			default:
				return nil, fmt.Errorf("unknown source field %q", key)
			}
		}
		if src.Path == "" && len(src.Inline) == 0 {
			return nil, fmt.Errorf("source needs either a path or inline content")
		}
		if src.Path != "" && len(src.Inline) > 0 {
			return nil, fmt.Errorf("source cannot have both a path and inline content")
		}
		return src, nil
	default:
		return nil, fmt.Errorf("source must be a string or a table, got %T", raw)
	}
}

// fileMount is the normalised form of one files entry.
type fileMount struct {
	Content   contentSource
	GuestPath string
}

// normalizeFileMount accepts a string (host path doubling as guest path) or
// a table with source and path keys.
func normalizeFileMount(raw interface{}) (*fileMount, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("empty file entry")
		}
		return &fileMount{Content: contentSource{Path: v}, GuestPath: v}, nil
	case map[string]interface{}:
		var source, guestPath string
		for key, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("file field %q must be a string", key)
			}
			switch key {
			case "source":
				source = s
			case "path":
				guestPath = s
			default:
				return nil, fmt.Errorf("unknown file field %q", key)
			}
		}
		if source == "" || guestPath == "" {
			return nil, fmt.Errorf("file entries need both source and path")
		}
		return &fileMount{Content: contentSource{Path: source}, GuestPath: guestPath}, nil
	default:
		return nil, fmt.Errorf("file entry must be a string or a table, got %T", raw)
	}
}
