package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/payload"
)

// newValidateCmd creates the `validate` command.
func newValidateCmd(v *viper.Viper, fs afero.Fs) *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [input-file]",
		Short: "Check a workflow input file and print the payload it produces",
		Long: `Validate decodes a workflow input file, checks every id and flow reference,
and prints the payload that run would type into the form. Without a file the
built-in sample workflow is printed.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return v.BindPFlag("probe.payload_format", cmd.Flags().Lookup("payload-format"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			input := schemas.SampleInput()
			if len(args) == 1 {
				var err error
				if input, err = payload.Load(fs, args[0]); err != nil {
					return err
				}
			} else if err := input.Validate(); err != nil {
				return err
			}

			format, err := payload.ParseFormat(v.GetString("probe.payload_format"))
			if err != nil {
				return err
			}
			out, err := payload.Serialize(input, format)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	validateCmd.Flags().StringP("payload-format", "p", "json", "serialization to print: json or bpmn")
	return validateCmd
}
