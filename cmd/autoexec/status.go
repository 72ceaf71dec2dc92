package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/loykin/autoexec/pkg/client"
)

const defaultAPITimeout = 10 * time.Second

func runStatus(ctx context.Context, w io.Writer, flags *StatusFlags) error {
	cfg := client.Config{URL: flags.APIUrl, Timeout: flags.APITimeout, Insecure: flags.Insecure}
	if flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
	}
	c := client.New(cfg)

	if flags.JSON {
		raw, err := c.StatusRaw(ctx)
		if err != nil {
			return err
		}
		_, err = w.Write(append(raw, '\n'))
		return err
	}
	doc, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printStatusTable(w, doc)
}

func printStatusTable(w io.Writer, doc *client.StatusResponse) error {
	_, _ = fmt.Fprintf(w, "manager pid %d, %d service(s)\n", doc.ManagerPID, len(doc.Services))
	keys := make([]string, 0, len(doc.Services))
	for k := range doc.Services {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REPO\tSTATE\tPID\tSCRIPT\tBRANCH\tURL")
	for _, k := range keys {
		st := doc.Services[k]
		pid := "-"
		if st.ScriptPID != nil {
			pid = strconv.Itoa(*st.ScriptPID)
		}
		script := st.ScriptToRun
		if script == "" {
			script = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", k, st.Status, pid, script, st.Branch, st.URL)
	}
	return tw.Flush()
}
