package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/registry"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the language catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(goutils.Env("KIMBIA_CONFIG", config.DefaultConfigPath()))
		if err != nil {
			return err
		}
		reg, err := registry.New(cfg.RegistryConfig())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tALIASES\tEXTENSION\tKIND")
		for _, id := range reg.Languages() {
			profile, err := reg.Resolve(id)
			if err != nil {
				continue
			}
			kind := "interpreted"
			if profile.Compiled() {
				kind = "compiled"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				profile.ID,
				strings.Join(profile.Aliases, ", "),
				profile.Extension,
				kind,
			)
		}
		return w.Flush()
	},
}
