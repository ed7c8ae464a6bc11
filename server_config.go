/*
	Copyright Nettrack Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package websrv

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/identity"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	MinTLSVersion = tls.VersionTLS12
	MaxTLSVersion = tls.VersionTLS13

	DefaultHttpWriteTimeout = time.Second * 10
	DefaultHttpReadTimeout  = time.Second * 5
	DefaultHttpIdleTimeout  = time.Second * 5

	DefaultSessionLifetime      = time.Hour * 2
	DefaultSessionFlushInterval = time.Minute * 5

	DefaultRealm = "websrv"

	DefaultConfigSection = "web"
)

// Options are the server-level tunables with sane defaults.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MinTLSVersion int
	MaxTLSVersion int
}

// Default assigns default options.
func (options *Options) Default() {
	options.ReadTimeout = DefaultHttpReadTimeout
	options.WriteTimeout = DefaultHttpWriteTimeout
	options.IdleTimeout = DefaultHttpIdleTimeout
	options.MinTLSVersion = MinTLSVersion
	options.MaxTLSVersion = MaxTLSVersion
}

// Parse parses an options configuration map.
func (options *Options) Parse(optionsMap map[interface{}]interface{}) error {
	if value, ok := optionsMap["readTimeoutMs"]; ok {
		if ms, ok := value.(int); ok {
			options.ReadTimeout = time.Duration(ms) * time.Millisecond
		} else {
			return errors.New("readTimeoutMs must be an integer")
		}
	}

	if value, ok := optionsMap["writeTimeoutMs"]; ok {
		if ms, ok := value.(int); ok {
			options.WriteTimeout = time.Duration(ms) * time.Millisecond
		} else {
			return errors.New("writeTimeoutMs must be an integer")
		}
	}

	if value, ok := optionsMap["idleTimeoutMs"]; ok {
		if ms, ok := value.(int); ok {
			options.IdleTimeout = time.Duration(ms) * time.Millisecond
		} else {
			return errors.New("idleTimeoutMs must be an integer")
		}
	}

	return nil
}

// Config is the full configuration of a Server. It can be populated directly by embedding code or
// parsed from a configuration map / yaml file.
type Config struct {
	ListenAddress string

	// Identity supplies the server TLS material; nil serves plain http
	Identity identity.Identity

	Realm         string
	AdminUser     string
	AdminPassword string
	TrustLoopback bool

	SessionLifetime      time.Duration
	SessionDBPath        string
	SessionFlushInterval time.Duration

	StaticDirs []StaticDir
	Aliases    map[string]string
	MimeTypes  map[string]string

	Options Options
}

// Parse parses a configuration map to set all relevant Config values.
func (config *Config) Parse(configMap map[interface{}]interface{}) error {
	//parse listen address, required, string
	if addressInterface, ok := configMap["listen"]; ok {
		if address, ok := addressInterface.(string); ok {
			config.ListenAddress = address
		} else {
			return errors.New("listen is required to be a string")
		}
	} else {
		return errors.New("listen is required")
	}

	//parse identity, optional, map
	if identityInterface, ok := configMap["identity"]; ok {
		if identityMap, ok := identityInterface.(map[interface{}]interface{}); ok {
			idConfig, err := identity.NewConfigFromMap(identityMap)
			if err != nil {
				return fmt.Errorf("error parsing identity section: %v", err)
			}

			loaded, err := identity.LoadIdentity(*idConfig)
			if err != nil {
				return fmt.Errorf("error loading identity: %v", err)
			}

			if err := loaded.WatchFiles(); err != nil {
				pfxlog.Logger().Warnf("could not enable file watching on server identity: %v", err)
			}

			config.Identity = loaded
		} else {
			return errors.New("identity section must be a map if defined")
		}
	} //no else, identity is optional

	if realmInterface, ok := configMap["realm"]; ok {
		if realm, ok := realmInterface.(string); ok {
			config.Realm = realm
		} else {
			return errors.New("realm must be a string")
		}
	}

	//parse account, optional, map of user/password
	if accountInterface, ok := configMap["account"]; ok {
		if accountMap, ok := accountInterface.(map[interface{}]interface{}); ok {
			if userVal, ok := accountMap["user"].(string); ok {
				config.AdminUser = userVal
			} else {
				return errors.New("account user is required to be a string")
			}
			if passwordVal, ok := accountMap["password"].(string); ok {
				config.AdminPassword = passwordVal
			} else {
				return errors.New("account password is required to be a string")
			}
		} else {
			return errors.New("account section must be a map if defined")
		}
	}

	if trustInterface, ok := configMap["trustLoopback"]; ok {
		if trust, ok := trustInterface.(bool); ok {
			config.TrustLoopback = trust
		} else {
			return errors.New("trustLoopback must be a boolean")
		}
	}

	//parse sessions, optional, map
	if sessionsInterface, ok := configMap["sessions"]; ok {
		if sessionsMap, ok := sessionsInterface.(map[interface{}]interface{}); ok {
			if err := config.parseSessions(sessionsMap); err != nil {
				return err
			}
		} else {
			return errors.New("sessions section must be a map if defined")
		}
	}

	//parse staticDirs, optional, array of prefix/root maps
	if dirsInterface, ok := configMap["staticDirs"]; ok {
		if dirsArray, ok := dirsInterface.([]interface{}); ok {
			for i, dirInterface := range dirsArray {
				dirMap, ok := dirInterface.(map[interface{}]interface{})
				if !ok {
					return fmt.Errorf("error parsing static dir at index [%d]: not a map", i)
				}
				prefix, ok := dirMap["prefix"].(string)
				if !ok {
					return fmt.Errorf("error parsing static dir at index [%d]: prefix must be a string", i)
				}
				root, ok := dirMap["root"].(string)
				if !ok {
					return fmt.Errorf("error parsing static dir at index [%d]: root must be a string", i)
				}
				config.StaticDirs = append(config.StaticDirs, StaticDir{Prefix: prefix, Root: root})
			}
		} else {
			return errors.New("staticDirs must be an array")
		}
	}

	//parse aliases, optional, map of path to path
	if aliasesInterface, ok := configMap["aliases"]; ok {
		if aliasesMap, ok := aliasesInterface.(map[interface{}]interface{}); ok {
			config.Aliases = map[string]string{}
			for aliasInterface, destInterface := range aliasesMap {
				alias, ok := aliasInterface.(string)
				if !ok {
					return errors.New("alias keys must be strings")
				}
				dest, ok := destInterface.(string)
				if !ok {
					return fmt.Errorf("alias destination for [%s] must be a string", alias)
				}
				config.Aliases[alias] = dest
			}
		} else {
			return errors.New("aliases must be a map")
		}
	}

	//parse mimeTypes, optional, map of suffix to type
	if mimeInterface, ok := configMap["mimeTypes"]; ok {
		if mimeMap, ok := mimeInterface.(map[interface{}]interface{}); ok {
			config.MimeTypes = map[string]string{}
			for suffixInterface, typeInterface := range mimeMap {
				suffix, ok := suffixInterface.(string)
				if !ok {
					return errors.New("mimeTypes keys must be strings")
				}
				mimeType, ok := typeInterface.(string)
				if !ok {
					return fmt.Errorf("mime type for suffix [%s] must be a string", suffix)
				}
				config.MimeTypes[suffix] = mimeType
			}
		} else {
			return errors.New("mimeTypes must be a map")
		}
	}

	config.Options = Options{}
	config.Options.Default()

	if optionsInterface, ok := configMap["options"]; ok {
		if optionsMap, ok := optionsInterface.(map[interface{}]interface{}); ok {
			if err := config.Options.Parse(optionsMap); err != nil {
				return fmt.Errorf("error parsing options section: %v", err)
			}
		} //no else, options are optional
	}

	return nil
}

func (config *Config) parseSessions(sessionsMap map[interface{}]interface{}) error {
	if lifetimeInterface, ok := sessionsMap["lifetimeSeconds"]; ok {
		if lifetime, ok := lifetimeInterface.(int); ok {
			config.SessionLifetime = time.Duration(lifetime) * time.Second
		} else {
			return errors.New("sessions lifetimeSeconds must be an integer")
		}
	}

	if dbInterface, ok := sessionsMap["db"]; ok {
		if db, ok := dbInterface.(string); ok {
			config.SessionDBPath = db
		} else {
			return errors.New("sessions db must be a string")
		}
	}

	if flushInterface, ok := sessionsMap["flushSeconds"]; ok {
		if flush, ok := flushInterface.(int); ok {
			config.SessionFlushInterval = time.Duration(flush) * time.Second
		} else {
			return errors.New("sessions flushSeconds must be an integer")
		}
	}

	return nil
}

// Validate checks the configuration and fills remaining defaults.
func (config *Config) Validate() error {
	if config.ListenAddress == "" {
		return errors.New("listen address must not be empty")
	}

	if config.Realm == "" {
		config.Realm = DefaultRealm
	}

	if config.SessionLifetime <= 0 {
		config.SessionLifetime = DefaultSessionLifetime
	}

	if config.SessionFlushInterval <= 0 {
		config.SessionFlushInterval = DefaultSessionFlushInterval
	}

	if config.Options == (Options{}) {
		config.Options.Default()
	}

	for _, dir := range config.StaticDirs {
		if dir.Prefix == "" || dir.Root == "" {
			return errors.New("static dirs require both a prefix and a root")
		}
	}

	return nil
}

// LoadConfig reads a yaml configuration file and parses the named section into a Config. An empty
// section name selects DefaultConfigSection.
func LoadConfig(path, section string) (*Config, error) {
	if section == "" {
		section = DefaultConfigSection
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read configuration file [%s]", path)
	}

	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrapf(err, "unable to parse configuration file [%s]", path)
	}

	sectionVal, ok := root[section]
	if !ok {
		return nil, errors.Errorf("configuration file [%s] has no [%s] section", path, section)
	}

	sectionMap, ok := asConfigMap(sectionVal)
	if !ok {
		return nil, errors.Errorf("configuration section [%s] must be a map", section)
	}

	config := &Config{}
	if err := config.Parse(sectionMap); err != nil {
		return nil, errors.Wrapf(err, "error parsing configuration section [%s]", section)
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration section [%s]", section)
	}

	return config, nil
}

// asConfigMap normalizes yaml.v3 string-keyed maps into the interface-keyed form Parse consumes.
func asConfigMap(val interface{}) (map[interface{}]interface{}, bool) {
	switch typed := val.(type) {
	case map[interface{}]interface{}:
		return normalizeConfigMap(typed), true
	case map[string]interface{}:
		converted := map[interface{}]interface{}{}
		for k, v := range typed {
			converted[k] = normalizeConfigValue(v)
		}
		return converted, true
	default:
		return nil, false
	}
}

func normalizeConfigMap(in map[interface{}]interface{}) map[interface{}]interface{} {
	out := map[interface{}]interface{}{}
	for k, v := range in {
		out[k] = normalizeConfigValue(v)
	}
	return out
}

func normalizeConfigValue(val interface{}) interface{} {
	switch typed := val.(type) {
	case map[string]interface{}:
		converted := map[interface{}]interface{}{}
		for k, v := range typed {
			converted[k] = normalizeConfigValue(v)
		}
		return converted
	case map[interface{}]interface{}:
		return normalizeConfigMap(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, v := range typed {
			out[i] = normalizeConfigValue(v)
		}
		return out
	default:
		return val
	}
}
