// Package display renders CLI output as tables or JSON.
package display

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table renders rows under headers.
func Table(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
}

// Age renders a timestamp as a relative age, empty for zero times.
func Age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

// Size renders a byte count.
func Size(n uint64) string {
	return humanize.Bytes(n)
}
