package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zepia/keygate/internal/openapi"
	"github.com/zepia/keygate/internal/service"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document the server publishes at /openapi.json. Only
the admission routes of the configured mode are included.`,
		Example: `  keygate openapi                  # print to stdout
  keygate openapi --mode session   # document session-binding routes
  keygate openapi -o openapi.json  # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if mode == "" {
				mode = settings.Admission.Mode
			}
			m, err := service.ParseMode(mode)
			if err != nil {
				return err
			}

			doc := openapi.Generate(m, appVersion, settings.Server.BaseURL)
			body, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal openapi: %w", err)
			}
			body = append(body, '\n')

			if outputFile == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(outputFile, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outputFile, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&mode, "mode", "", "Admission mode to document (default admission.mode)")

	return cmd
}
