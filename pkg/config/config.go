// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime configuration shared by the reconciler
// and the server. Values come from tag defaults, then the environment, then
// command line flags.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/telekom/openapi-discovery-operator/pkg/discovery"
	"github.com/telekom/openapi-discovery-operator/pkg/helpers"
)

const (
	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

// Config is the complete runtime configuration.
type Config struct {
	WatchNamespaces    string `env:"WATCH_NAMESPACES" flag:"watch-namespaces" usage:"Namespaces to watch: empty for the current namespace, 'all', or a comma separated list"`
	PodNamespace       string `env:"POD_NAMESPACE" flag:"namespace" usage:"Namespace the operator runs in" validate:"omitempty,dns1123label"`
	DiscoveryNamespace string `env:"DISCOVERY_NAMESPACE" flag:"discovery-namespace" usage:"Namespace of the discovery ConfigMap, defaults to the current namespace" validate:"omitempty,dns1123label"`
	DiscoveryConfigMap string `env:"DISCOVERY_CONFIGMAP" flag:"discovery-configmap" default:"openapi-discovery" usage:"Name of the discovery ConfigMap" validate:"required,dns1123subdomain"`
	DiscoveryPath      string `env:"DISCOVERY_PATH" flag:"discovery-path" usage:"Path of the mounted discovery record, empty to read the ConfigMap through the API"`

	Debounce       time.Duration `env:"DEBOUNCE_INTERVAL" flag:"debounce-interval" default:"2s" usage:"Delay between the first observed change and the record commit" validate:"gt=0"`
	CommitAttempts int           `env:"COMMIT_ATTEMPTS" flag:"commit-attempts" default:"5" usage:"Attempts per record commit on version conflicts" validate:"min=1,max=50"`
	ClusterDomain  string        `env:"CLUSTER_DOMAIN" flag:"cluster-domain" default:"cluster.local" usage:"Cluster DNS domain used in service addresses" validate:"required,hostname_rfc1123"`

	RefreshInterval  time.Duration `env:"REFRESH_INTERVAL" flag:"refresh-interval" default:"30s" usage:"Interval between specification refresh cycles" validate:"gt=0"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" flag:"fetch-timeout" default:"10s" usage:"Timeout of a single specification fetch" validate:"gt=0"`
	FetchConcurrency int           `env:"FETCH_CONCURRENCY" flag:"fetch-concurrency" default:"4" usage:"Specification fetches in flight" validate:"min=1,max=256"`
	FetchQPS         float64       `env:"FETCH_QPS" flag:"fetch-qps" default:"0" usage:"Maximum fetches started per second, 0 for no limit" validate:"gte=0"`

	CacheBackend  string `env:"CACHE_BACKEND" flag:"cache-backend" default:"file" usage:"Spec cache backend: file or redis" validate:"oneof=file redis"`
	CacheDir      string `env:"CACHE_DIR" flag:"cache-dir" default:"/tmp/openapi-cache" usage:"Directory of the file spec cache" validate:"required_if=CacheBackend file"`
	RedisAddr     string `env:"REDIS_ADDR" flag:"redis-addr" usage:"Address of the redis spec cache" validate:"required_if=CacheBackend redis"`
	RedisPassword string `env:"REDIS_PASSWORD" flag:"redis-password" usage:"Password of the redis spec cache"`
	RedisDB       int    `env:"REDIS_DB" flag:"redis-db" default:"0" usage:"Database of the redis spec cache" validate:"gte=0"`

	ListenAddr string `env:"LISTEN_ADDR" flag:"listen-address" default:":8080" usage:"Address the documentation server listens on" validate:"required"`
}

// Default returns the configuration with all tag defaults applied.
func Default() Config {
	var c Config
	if err := c.apply(func(field reflect.StructField) (string, bool) {
		return field.Tag.Lookup("default")
	}); err != nil {
		panic(fmt.Sprintf("invalid config default: %v", err))
	}
	return c
}

// LoadEnv overrides fields with the environment values returned by lookup.
// Fields whose flag was set on fs keep the flag value; fs may be nil.
func (c *Config) LoadEnv(lookup func(string) (string, bool), fs *pflag.FlagSet) error {
	return c.apply(func(field reflect.StructField) (string, bool) {
		if fs != nil {
			if f := fs.Lookup(field.Tag.Get("flag")); f != nil && f.Changed {
				return "", false
			}
		}
		env := field.Tag.Get("env")
		if env == "" {
			return "", false
		}
		return lookup(env)
	})
}

// BindFlags registers one flag per field on fs, using the current values as
// defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("flag")
		if name == "" {
			continue
		}
		usage := field.Tag.Get("usage")
		if env := field.Tag.Get("env"); env != "" {
			usage += " [" + env + "]"
		}
		ptr := v.Field(i).Addr().Interface()
		switch p := ptr.(type) {
		case *string:
			fs.StringVar(p, name, *p, usage)
		case *int:
			fs.IntVar(p, name, *p, usage)
		case *float64:
			fs.Float64Var(p, name, *p, usage)
		case *time.Duration:
			fs.DurationVar(p, name, *p, usage)
		default:
			panic(fmt.Sprintf("unsupported config field type %s", field.Type))
		}
	}
}

func (c *Config) apply(source func(reflect.StructField) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		value, ok := source(t.Field(i))
		if !ok {
			continue
		}
		if err := setFieldValue(v.Field(i), value); err != nil {
			name := t.Field(i).Tag.Get("env")
			if name == "" {
				name = t.Field(i).Name
			}
			return fmt.Errorf("invalid value %q for %s: %w", value, name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int64:
		if field.Type() != reflect.TypeOf(time.Duration(0)) {
			return fmt.Errorf("unsupported field type: %s", field.Type())
		}
		if value == "" {
			field.SetInt(0)
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case reflect.Int:
		if value == "" {
			field.SetInt(0)
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		if value == "" {
			field.SetFloat(0)
			return nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// NewValidator returns a validator that knows the Kubernetes name rules.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("dns1123label", func(fl validator.FieldLevel) bool {
		return len(validation.IsDNS1123Label(fl.Field().String())) == 0
	})
	_ = v.RegisterValidation("dns1123subdomain", func(fl validator.FieldLevel) bool {
		return len(validation.IsDNS1123Subdomain(fl.Field().String())) == 0
	})
	return v
}

// Validate checks field constraints and the namespace scope.
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	return nil
}

// CurrentNamespace returns the namespace the operator runs in.
func (c *Config) CurrentNamespace() string {
	if c.PodNamespace != "" {
		return c.PodNamespace
	}
	return helpers.CurrentNamespace()
}

// Scope parses WatchNamespaces.
func (c *Config) Scope() (discovery.Scope, error) {
	return discovery.ParseScope(c.WatchNamespaces, c.CurrentNamespace())
}

// RecordKey locates the discovery ConfigMap.
func (c *Config) RecordKey() types.NamespacedName {
	ns := c.DiscoveryNamespace
	if ns == "" {
		ns = c.CurrentNamespace()
	}
	return types.NamespacedName{Namespace: ns, Name: c.DiscoveryConfigMap}
}
