package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing printdeck configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

Without a config file this shows all available options with their default
values. You can redirect the output to a file to create a configuration
template:

  printdeck config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/printdeck, $HOME/.printdeck)
  - Environment variables (PRINTDECK_SERVER_PORT, PRINTDECK_BACKEND_URL, etc.)
  - Command-line flags (for some options)

Environment variables use the PRINTDECK_ prefix and underscores for nesting.
Example: server.port -> PRINTDECK_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// rendering durations in their human form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# printdeck Configuration File")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   PRINTDECK_SERVER_HOST, PRINTDECK_SERVER_PORT")
	fmt.Println("#   PRINTDECK_BACKEND_URL, PRINTDECK_BACKEND_TOKEN")
	fmt.Println("#   PRINTDECK_DATABASE_DRIVER, PRINTDECK_DATABASE_DSN")
	fmt.Println("#   PRINTDECK_LOGGING_LEVEL, PRINTDECK_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
