package main

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"audio-converter/internal/publish"
	"audio-converter/internal/sweep"
)

func renderReport(report *sweep.Report) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Item", "Value"})
	tw.AppendRows([]table.Row{
		{"Work files removed", strconv.Itoa(report.WorkFilesRemoved)},
		{"Work space freed", publish.FormatSize(report.WorkBytesFreed)},
		{"Work dirs removed", strconv.Itoa(report.WorkDirsRemoved)},
		{"Lock files removed", strconv.Itoa(report.LocksRemoved)},
		{"Output files removed", strconv.Itoa(report.OutputFilesRemoved)},
		{"Output space freed", publish.FormatSize(report.OutputBytesFreed)},
		{"Tasks expired", strconv.Itoa(report.TasksExpired)},
		{"Records purged", strconv.FormatInt(report.RecordsPurged, 10)},
		{"Skipped (in use)", strconv.Itoa(report.Skipped)},
		{"Errors", strconv.Itoa(len(report.Errors))},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})

	var b strings.Builder
	b.WriteString(tw.Render())
	for _, msg := range report.Errors {
		b.WriteString("\n! ")
		b.WriteString(msg)
	}
	return b.String()
}
