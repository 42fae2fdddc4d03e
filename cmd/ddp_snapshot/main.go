// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddp_snapshot inspects the snapshot of a ddptrain run and, optionally, its history ledger.
//
// Usage:
//
//	ddp_snapshot [-history=<ledger dir>] [-plot=loss.png] <snapshot file>
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddp/pkg/ml/snapshot"
	"github.com/gomlx/ddp/pkg/ml/train/history"
	"github.com/gomlx/ddp/ui/commandline"
	"github.com/gomlx/ddp/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagHistory = flag.String("history", "", "Path of the history ledger of the run (ddptrain -history).")
	flagPlot    = flag.String("plot", "",
		"If set, together with -history, saves a plot of the loss over the global step to this PNG file.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one snapshot file, got %d arguments. See 'ddp_snapshot -help'.", len(args))
		os.Exit(1)
	}
	reportSnapshot(args[0])
	if *flagHistory != "" {
		reportHistory(*flagHistory)
	} else if *flagPlot != "" {
		klog.Errorf("-plot requires -history.")
		os.Exit(1)
	}
}

func reportSnapshot(snapshotPath string) {
	store := must.M1(snapshot.New(snapshotPath))
	snap, found, err := store.Load()
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(9)
	}
	if !found {
		klog.Errorf("No snapshot found at %q", snapshotPath)
		os.Exit(1)
	}
	info := must.M1(os.Stat(store.Path()))
	fmt.Println(titleStyle.Render("Snapshot"))
	fmt.Println(commandline.RenderTable(nil, [][]string{
		{"path", store.Path()},
		{"file size", humanize.Bytes(uint64(info.Size()))},
		{"format version", fmt.Sprintf("%d", snap.FormatVersion)},
		{"created", fmt.Sprintf("%s (%s)", snap.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(snap.CreatedAt))},
		{"run", snap.RunID},
		{"world size", fmt.Sprintf("%d", snap.WorldSize)},
		{"epochs completed", fmt.Sprintf("%d", snap.Epoch)},
		{"global step", humanize.Comma(snap.GlobalStep)},
		{"last loss", fmt.Sprintf("%.6g", snap.LastLoss)},
		{"model state", humanize.Bytes(uint64(len(snap.ModelState)))},
		{"optimizer state", humanize.Bytes(uint64(len(snap.OptimizerState)))},
	}))
}

func reportHistory(ledgerPath string) {
	ledger := must.M1(history.Open(ledgerPath))
	defer func() { must.M(ledger.Close()) }()

	epochs := must.M1(ledger.Epochs())
	fmt.Println(titleStyle.Render("Epochs"))
	table := newPlainTable(lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Headers("Epoch", "Global Step", "Mean Loss", "Last Loss", "Duration", "Run")
	for _, record := range epochs {
		table.Row(
			fmt.Sprintf("%d", record.Epoch),
			humanize.Comma(record.GlobalStep),
			fmt.Sprintf("%.6g", record.MeanLoss),
			fmt.Sprintf("%.6g", record.LastLoss),
			commandline.FormatDuration(record.Duration),
			shortID(record.RunID),
		)
	}
	fmt.Println(table.Render())

	snapshots := must.M1(ledger.Snapshots())
	fmt.Println(titleStyle.Render("Snapshots"))
	table = newPlainTable(lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left, lipgloss.Left)
	table.Headers("Epoch", "Global Step", "Size", "Written", "Run")
	for _, record := range snapshots {
		table.Row(
			fmt.Sprintf("%d", record.Epoch),
			humanize.Comma(record.GlobalStep),
			humanize.Bytes(uint64(record.Bytes)),
			humanize.Time(record.Time),
			shortID(record.RunID),
		)
	}
	fmt.Println(table.Render())

	if *flagPlot != "" {
		points := plots.NewPoints(plots.FromLedger(epochs))
		must.M(points.SavePNG(*flagPlot, fmt.Sprintf("Training loss (%s)", ledgerPath), "loss"))
		fmt.Printf("Loss plot saved to %q\n", *flagPlot)
	}
}

// shortID returns the first block of a UUID.
func shortID(id string) string {
	short, _, _ := strings.Cut(id, "-")
	return short
}
