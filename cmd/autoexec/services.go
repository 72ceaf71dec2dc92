package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/autoexec/internal/definition"
)

func runServices(w io.Writer, flags *ServicesFlags) error {
	cfg, err := loadConfig(flags.ConfigPath, flags.ServicesFile, flags.ReposDir)
	if err != nil {
		return err
	}
	set, err := definition.ParseFile(cfg.ServicesFile, cfg.ReposDir)
	if err != nil && !errors.Is(err, definition.ErrInvalidLine) {
		return err
	}

	// entries that parsed are printed even when others were rejected
	defs := make([]definition.Definition, 0, len(set))
	for _, k := range set.Keys() {
		defs = append(defs, set[k])
	}
	if flags.JSON {
		b, jerr := json.MarshalIndent(defs, "", "  ")
		if jerr != nil {
			return jerr
		}
		_, _ = fmt.Fprintln(w, string(b))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tBRANCH\tURL\tPATH")
	for _, d := range defs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name(), d.Branch, d.URL, d.Path)
	}
	if ferr := tw.Flush(); ferr != nil {
		return ferr
	}
	return err
}
