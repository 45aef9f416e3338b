package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type extensionValidator interface {
	Validate() error
}

// ConfigProvider loads the core Config plus host-defined extension structs
// through one viper instance, so hosts can add their own sections with
// `mapstructure`, `env`, `flag` and `default` tags and get the same
// ENV > file > defaults precedence.
type ConfigProvider struct {
	loader *ViperLoader
	v      *viper.Viper
	flags  *pflag.FlagSet
}

// NewConfigProvider creates a provider. configFile may be empty.
func NewConfigProvider(configFile, envPrefix string) *ConfigProvider {
	return &ConfigProvider{
		loader: NewViperLoader(configFile, envPrefix),
		v:      viper.New(),
	}
}

// WithFlags attaches a parsed flag set; changed flags override every other
// source for extension fields carrying a `flag` tag.
func (p *ConfigProvider) WithFlags(flags *pflag.FlagSet) *ConfigProvider {
	p.flags = flags
	return p
}

// ConfigFile returns the path of the config file being loaded, or empty.
func (p *ConfigProvider) ConfigFile() string {
	if p.loader == nil {
		return ""
	}
	return p.loader.configFile
}

// AllSettings returns the effective merged settings currently held.
func (p *ConfigProvider) AllSettings() map[string]interface{} {
	if p == nil || p.v == nil {
		return map[string]interface{}{}
	}
	return p.v.AllSettings()
}

// Load populates core and the extensions, validating each.
func (p *ConfigProvider) Load(core *Config, extensions ...interface{}) error {
	p.v = viper.New()

	defaults := DefaultConfig()
	p.loader.setDefaults(p.v, defaults)

	for _, extension := range extensions {
		if err := applyExtensionDefaults(p.v, extension); err != nil {
			return err
		}
	}

	if p.loader.configFile != "" {
		p.v.SetConfigFile(p.loader.configFile)
		if err := p.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", p.loader.configFile, err)
		}
	}

	p.v.SetEnvPrefix(p.loader.envPrefix)
	p.loader.bindEnvVars(p.v)

	for _, extension := range extensions {
		if err := bindExtensionEnv(p.v, extension); err != nil {
			return err
		}
	}

	if p.flags != nil {
		for _, extension := range extensions {
			if err := applyExtensionFlags(p.v, p.flags, extension); err != nil {
				return err
			}
		}
	}

	if core == nil {
		core = &Config{}
	}
	if err := p.v.Unmarshal(core); err != nil {
		return fmt.Errorf("failed to unmarshal core config: %w", err)
	}
	if err := p.loader.Validate(core); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	for _, extension := range extensions {
		if err := p.v.Unmarshal(extension); err != nil {
			return fmt.Errorf("failed to unmarshal extension config: %w", err)
		}
		if validator, ok := extension.(extensionValidator); ok {
			if err := validator.Validate(); err != nil {
				return fmt.Errorf("extension config validation failed: %w", err)
			}
		}
	}

	return nil
}

// RegisterFlagsFromStruct declares pflag entries for every field of target
// carrying a `flag` tag, using the `default` tag for defaults.
func RegisterFlagsFromStruct(flags *pflag.FlagSet, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}

	for _, field := range fields {
		if field.Flag == "" {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "configuration override"
		}
		defaultValue, err := parseStringByType(field.Default, field.Type)
		if err != nil {
			return err
		}

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(field.Flag, defaultValue.(string), usage)
		case reflect.Bool:
			flags.Bool(field.Flag, defaultValue.(bool), usage)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if isDurationType(field.Type) {
				flags.Duration(field.Flag, defaultValue.(time.Duration), usage)
			} else {
				flags.Int64(field.Flag, defaultValue.(int64), usage)
			}
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				flags.StringSlice(field.Flag, defaultValue.([]string), usage)
			}
		}
	}

	return nil
}

type configField struct {
	Key     string
	Env     []string
	Flag    string
	Default string
	Usage   string
	Type    reflect.Type
}

func applyExtensionDefaults(v *viper.Viper, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if field.Default == "" {
			continue
		}
		defaultValue, err := parseStringByType(field.Default, field.Type)
		if err != nil {
			return err
		}
		v.SetDefault(field.Key, defaultValue)
	}
	return nil
}

func bindExtensionEnv(v *viper.Viper, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if len(field.Env) == 0 {
			continue
		}
		args := append([]string{field.Key}, field.Env...)
		if err := v.BindEnv(args...); err != nil {
			return err
		}
	}
	return nil
}

func applyExtensionFlags(v *viper.Viper, flags *pflag.FlagSet, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if field.Flag == "" {
			continue
		}
		flag := flags.Lookup(field.Flag)
		if flag == nil || !flag.Changed {
			continue
		}

		parsed, err := parseStringByType(flag.Value.String(), field.Type)
		if err != nil {
			return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
		}
		v.Set(field.Key, parsed)
	}
	return nil
}

func collectConfigFields(target interface{}) ([]configField, error) {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, fmt.Errorf("config target must be a non-nil pointer")
	}
	elem := value.Elem()
	if elem.Kind() != reflect.Struct {
		return nil, fmt.Errorf("config target must point to a struct")
	}

	fields := make([]configField, 0, elem.NumField())
	collectFieldsRecursive(elem.Type(), "", &fields)
	return fields, nil
}

func collectFieldsRecursive(structType reflect.Type, prefix string, out *[]configField) {
	for index := 0; index < structType.NumField(); index++ {
		field := structType.Field(index)
		if field.PkgPath != "" {
			continue
		}
		mapKey, skip := parseMapstructureTag(field.Tag.Get("mapstructure"))
		if skip {
			continue
		}
		if mapKey == "" {
			mapKey = toSnakeCase(field.Name)
		}

		fullKey := mapKey
		if prefix != "" {
			fullKey = prefix + "." + mapKey
		}

		fieldType := field.Type
		if fieldType.Kind() == reflect.Struct && !isDurationType(fieldType) {
			collectFieldsRecursive(fieldType, fullKey, out)
			continue
		}

		*out = append(*out, configField{
			Key:     fullKey,
			Env:     parseListTag(field.Tag.Get("env")),
			Flag:    strings.TrimSpace(field.Tag.Get("flag")),
			Default: strings.TrimSpace(field.Tag.Get("default")),
			Usage:   strings.TrimSpace(field.Tag.Get("flag_usage")),
			Type:    fieldType,
		})
	}
}

func isDurationType(fieldType reflect.Type) bool {
	return fieldType.PkgPath() == "time" && fieldType.Name() == "Duration"
}

func parseStringByType(value string, fieldType reflect.Type) (interface{}, error) {
	trimmed := strings.TrimSpace(value)
	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		return strconv.ParseBool(trimmed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isDurationType(fieldType) {
			if trimmed == "" {
				return time.Duration(0), nil
			}
			return time.ParseDuration(trimmed)
		}
		if trimmed == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(trimmed, 10, 64)
	case reflect.Slice:
		if fieldType.Elem().Kind() == reflect.String {
			return parseStringSlice(trimmed), nil
		}
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

func parseStringSlice(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}
	}

	normalized := strings.TrimPrefix(strings.TrimSuffix(trimmed, "]"), "[")
	normalized = strings.NewReplacer(",", " ", ";", " ", "\n", " ", "\t", " ").Replace(normalized)
	parts := strings.Fields(normalized)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			result = append(result, value)
		}
	}
	return result
}

func parseMapstructureTag(tag string) (string, bool) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, ",")
	key := strings.TrimSpace(parts[0])
	if key == "-" {
		return "", true
	}
	return key, false
}

func parseListTag(tag string) []string {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return nil
	}
	rawParts := strings.Split(trimmed, ",")
	result := make([]string, 0, len(rawParts))
	for _, part := range rawParts {
		if value := strings.TrimSpace(part); value != "" {
			result = append(result, value)
		}
	}
	return result
}

func toSnakeCase(input string) string {
	if input == "" {
		return input
	}
	var out strings.Builder
	out.Grow(len(input) + 8)
	for index, runeValue := range input {
		if index > 0 && isWordBoundary(input, index, runeValue) {
			out.WriteByte('_')
		}
		out.WriteRune(unicode.ToLower(runeValue))
	}
	return out.String()
}

func isWordBoundary(value string, index int, r rune) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	prev := rune(value[index-1])
	if unicode.IsUpper(prev) {
		if index+1 < len(value) {
			next := rune(value[index+1])
			return unicode.IsLower(next)
		}
		return false
	}
	return true
}
