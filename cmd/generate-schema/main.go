// Command generate-schema writes the JSON schema of the cerver configuration
// file, for editor completion and validation of config.yaml.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/cerver/pkg/config"
	"github.com/spf13/cobra"
)

const schemaID = "https://github.com/marmos91/cerver/config.schema.json"

var (
	output  string
	version string
)

var rootCmd = &cobra.Command{
	Use:           "generate-schema",
	Short:         "Write the JSON schema of the cerver configuration",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := generate(version)
		if err != nil {
			return err
		}

		if output == "-" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("write schema: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "JSON schema written to %s\n", output)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "config.schema.json", "output file, - for stdout")
	rootCmd.Flags().StringVar(&version, "schema-version", "1.0.0", "version recorded in the schema")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// generate reflects config.Config. Property names follow the mapstructure
// tags, which are the keys accepted in config files.
func generate(version string) ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "mapstructure",
		Mapper:                    mapType,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "cerver Configuration"
	schema.Description = "Configuration schema for the cerver packet server"
	schema.Version = version

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// mapType describes durations the way config files spell them ("2s", "5m").
func mapType(t reflect.Type) *jsonschema.Schema {
	if t == durationType {
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
			Description: "Go duration, for example 500ms, 2s or 5m",
		}
	}
	return nil
}

