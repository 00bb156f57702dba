package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rallymcp/rally-mcp/pkg/formatter"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyInstance             = "RALLY_INSTANCE"
	KeyAPIKey               = "RALLY_APIKEY"
	KeyProjectName          = "RALLY_PROJECT_NAME"
	KeyLogLevel             = "LOG_LEVEL"
	KeyLocale               = "RALLY_LOCALE"
	KeyExpose               = "RALLY_EXPOSE"
	KeyStoryCustomFields    = "RALLY_STORY_CUSTOM_FIELDS"
	KeyTestCaseCustomFields = "RALLY_TESTCASE_CUSTOM_FIELDS"
	KeyStripTestCaseDesc    = "STRIP_HTML_TESTCASE_DESCRIPTION"
	KeyStripTestCaseObj     = "STRIP_HTML_TESTCASE_OBJECTIVE"
	KeyStripTestCasePrecond = "STRIP_HTML_TESTCASE_PRECONDITIONS"
	DefaultEnvFile          = ".env"
	defaultLocale           = "en"
	defaultExpose           = "all"
	defaultLogLevel         = "info"
)

// Config is everything the server reads from the environment.
type Config struct {
	Instance    string
	APIKey      string
	ProjectName string
	LogLevel    string
	Locale      string
	Expose      string

	StoryCustomFields    []string
	TestCaseCustomFields []string

	StripTestCaseDescription   bool
	StripTestCaseObjective     bool
	StripTestCasePreConditions bool
}

// Load reads envFile in dotenv format, then the process environment, which
// wins over the file. A missing file is not an error.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault(KeyLocale, defaultLocale)
	v.SetDefault(KeyExpose, defaultExpose)
	v.SetDefault(KeyLogLevel, defaultLogLevel)

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("cannot read %s: %w", envFile, err)
			}
		}
	}
	v.AutomaticEnv()

	return &Config{
		Instance:                   strings.TrimSpace(v.GetString(KeyInstance)),
		APIKey:                     strings.TrimSpace(v.GetString(KeyAPIKey)),
		ProjectName:                strings.TrimSpace(v.GetString(KeyProjectName)),
		LogLevel:                   v.GetString(KeyLogLevel),
		Locale:                     v.GetString(KeyLocale),
		Expose:                     v.GetString(KeyExpose),
		StoryCustomFields:          splitList(v.GetString(KeyStoryCustomFields)),
		TestCaseCustomFields:       splitList(v.GetString(KeyTestCaseCustomFields)),
		StripTestCaseDescription:   formatter.IsTruthy(v.GetString(KeyStripTestCaseDesc)),
		StripTestCaseObjective:     formatter.IsTruthy(v.GetString(KeyStripTestCaseObj)),
		StripTestCasePreConditions: formatter.IsTruthy(v.GetString(KeyStripTestCasePrecond)),
	}, nil
}

// Validate checks the keys the server cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.Instance == "" {
		missing = append(missing, KeyInstance)
	}
	if c.APIKey == "" {
		missing = append(missing, KeyAPIKey)
	}
	if c.ProjectName == "" {
		missing = append(missing, KeyProjectName)
	}
	if len(missing) > 0 {
		return &ConfigError{Keys: missing}
	}
	return nil
}

// ConfigError lists missing required keys.
type ConfigError struct {
	Keys []string
}

func (e *ConfigError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
