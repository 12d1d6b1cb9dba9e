package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus the custom rules
// that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if !strings.Contains(cfg.Server.BusName, ".") {
		return fmt.Errorf("server.bus_name: %q is not a valid well-known bus name", cfg.Server.BusName)
	}

	switch cfg.Provider.Type {
	case "local":
		if root, _ := cfg.Provider.Local["root"].(string); root == "" {
			return fmt.Errorf("provider.local.root: required (or set %s)", EnvProviderRoot)
		}
	case "vault":
		path, _ := cfg.Provider.Vault["path"].(string)
		inMemory, _ := cfg.Provider.Vault["in_memory"].(bool)
		if path == "" && !inMemory {
			return fmt.Errorf("provider.vault.path: required")
		}
	case "s3":
		if bucket, _ := cfg.Provider.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("provider.s3.bucket: required")
		}
		if region, _ := cfg.Provider.S3["region"].(string); region == "" {
			return fmt.Errorf("provider.s3.region: required")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen: required when metrics are enabled")
	}
	return nil
}

// formatValidationError turns validator output into a readable message
// naming the offending fields.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if ok := asValidationErrors(err, &verrs); !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q validation", fieldPath(fe), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// fieldPath strips the leading struct name so messages read like config
// keys ("Logging.Level" rather than "Config.Logging.Level").
func fieldPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		path = path[idx+1:]
	}
	return strings.ToLower(path)
}
