package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"kernelbridge/internal/app"
	"kernelbridge/internal/color"
	"kernelbridge/internal/kernelspec"

	"github.com/spf13/cobra"
)

var specsJSON bool

func newSpecsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specs",
		Short: "List the kernel specs kernelbridge can launch",
		Long: `Lists every resolvable kernel type. Specs come from Jupyter kernelspec
directories (kernels/<name>/kernel.json under the Jupyter data paths and the
configured kernelSpecDirs), YAML definitions in ~/.config/kernelbridge/kernels
and ./.kernelbridge/kernels, in increasing order of precedence.`,
		Args: cobra.NoArgs,
		RunE: runSpecs,
	}
	cmd.Flags().BoolVar(&specsJSON, "json", false, "Print specs as JSON")
	return cmd
}

func runSpecs(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(newAppConfig())
	if err != nil {
		return err
	}
	specs := application.Registry().List()
	if specsJSON {
		return writeSpecsJSON(cmd.OutOrStdout(), specs)
	}
	if len(specs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No kernel specs found.")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), renderSpecs(specs))
	return nil
}

type specJSON struct {
	Name          string            `json:"name"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode"`
	Source        string            `json:"source"`
	Origin        string            `json:"origin,omitempty"`
}

func writeSpecsJSON(w io.Writer, specs []kernelspec.KernelSpec) error {
	out := make([]specJSON, 0, len(specs))
	for _, s := range specs {
		out = append(out, specJSON{
			Name:          s.Name,
			DisplayName:   s.DisplayName,
			Language:      s.Language,
			Argv:          s.Argv,
			Env:           s.Env,
			InterruptMode: string(s.Interrupt()),
			Source:        string(s.Source),
			Origin:        s.Origin,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderSpecs(specs []kernelspec.KernelSpec) string {
	rows := make([][]string, 0, len(specs))
	for _, s := range specs {
		rows = append(rows, []string{s.Name, s.DisplayName, s.Language, string(s.Interrupt()), string(s.Source)})
	}
	return color.Table([]string{"NAME", "DISPLAY NAME", "LANGUAGE", "INTERRUPT", "SOURCE"}, rows, 40)
}
