// Package config loads the Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KESTREL_"

	// PathEnv names the environment variable holding the config file path.
	PathEnv = EnvPrefix + "CONFIG"
)

// Load builds the configuration. path may be empty, in which case
// KESTREL_CONFIG is consulted; a missing file is not an error.
//
// Environment keys use "_" between levels and "__" for a literal
// underscore: KESTREL_RULES_APP__AMOUNT__THRESHOLD sets
// rules.app_amount_threshold.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(domain.DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_HISTORY_LOOKUP__TIMEOUT to history.lookup_timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// validate reports fields by their koanf path, e.g. history.lookup_timeout.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate rejects configurations the service cannot start with.
// Rules live in the validate tags of the domain config structs.
func Validate(cfg *domain.Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fieldError(fe))
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

func fieldError(fe validator.FieldError) error {
	// Namespace starts with the root type name: Config.history.lookup_timeout.
	_, key, _ := strings.Cut(fe.Namespace(), ".")

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("unknown %s: %q (want one of %s)", key, fmt.Sprint(fe.Value()), fe.Param())
	default:
		return fmt.Errorf("%s must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	}
}
