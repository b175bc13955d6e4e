package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/certmanager/manager"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the table format.
// YAML goes through JSON first so both formats share field names.
func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	table(w)
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

func certificateTable(views []manager.CertificateView) func(io.Writer) {
	return func(w io.Writer) {
		table := newTable(w, []string{"#", "RefID", "Descr", "Type", "Subject", "CA", "Expires", "Key", "In Use"})
		rows := make([][]string, 0, len(views))
		for i, v := range views {
			rows = append(rows, []string{
				strconv.Itoa(i),
				v.RefID,
				v.Descr,
				v.CertType.String(),
				v.Subject,
				v.CARef,
				expiry(v.ValidTo),
				yesNo(v.KeyAvailable),
				strings.Join(v.InUse, ", "),
			})
		}
		table.AppendBulk(rows)
		table.Render()
	}
}

func caTable(views []manager.CAView) func(io.Writer) {
	return func(w io.Writer) {
		table := newTable(w, []string{"#", "RefID", "Descr", "Subject", "Parent", "Trust", "Expires", "Key", "In Use"})
		rows := make([][]string, 0, len(views))
		for i, v := range views {
			rows = append(rows, []string{
				strconv.Itoa(i),
				v.RefID,
				v.Descr,
				v.Subject,
				v.CARef,
				yesNo(v.Trust),
				expiry(v.ValidTo),
				yesNo(v.KeyAvailable),
				strings.Join(v.InUse, ", "),
			})
		}
		table.AppendBulk(rows)
		table.Render()
	}
}

// expiry renders the end of validity relative to now, e.g. "11 months from
// now". Pending requests have no validity window.
func expiry(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.DateOnly), humanize.Time(t))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
