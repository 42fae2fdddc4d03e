// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddp/pkg/ml/train"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// RenderTable renders a table with the given headers and rows, in the same style as the progress bar stats.
// If headers is empty, the first column is right aligned, as names of the values in the second column.
func RenderTable(headers []string, rows [][]string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor)))
	if len(headers) > 0 {
		table = table.Headers(headers...).StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return normalStyle
		})
	} else {
		table = table.StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	}
	for _, row := range rows {
		table.Row(row...)
	}
	return table.String()
}

// ReportRun writes to w a summary of a finished (or aborted) training run.
func ReportRun(w io.Writer, trainer *train.Trainer, err error) error {
	state := trainer.State()
	cfg := trainer.Config()
	rows := [][]string{
		{"Rank", trainer.Identity().String()},
		{"Run", trainer.RunID()},
		{"Phase", trainer.Phase().String()},
		{"Epochs", fmt.Sprintf("%d of %d (started at %d)", state.Epoch, cfg.TotalEpochs, trainer.StartEpoch())},
		{"Global Step", humanize.Comma(state.GlobalStep)},
		{"Loss", fmt.Sprintf("%.4g", state.LastLoss)},
		{"Median step duration", FormatDuration(trainer.MedianStepDuration())},
		{"Snapshot", trainer.SnapshotStore().Path()},
	}
	if err != nil {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s: %v", train.ErrorKind(err), err)})
	}
	_, werr := fmt.Fprintln(w, RenderTable(nil, rows))
	return werr
}
