// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddp/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps        int
	stepsReported   int
	startGlobalStep int64
	bar             *progressbar.ProgressBar
	suffix          string

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	stopOnce         sync.Once

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix to each line. It is meant to be used as
// the default writer for the enclosed progressbar.ProgressBar, so the bar and its suffix are written
// in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(trainer *train.Trainer) error {
	cfg := trainer.Config()
	pBar.numSteps = (cfg.TotalEpochs - trainer.StartEpoch()) * trainer.StepsPerEpoch()
	pBar.startGlobalStep = trainer.State().GlobalStep
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(trainer *train.Trainer, state train.RunState) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}

	// Steps run by this rank since the start.
	stepsRun := int((state.GlobalStep - pBar.startGlobalStep) / int64(trainer.Identity().WorldSize))
	amount := stepsRun - pBar.stepsReported
	if amount <= 0 {
		return nil
	}

	// Suffix to erase spurious characters from previous prints.
	pBar.suffix = "\033[J"
	cfg := trainer.Config()
	pBar.updates <- progressBarUpdate{
		amount: amount,
		rows: [][2]string{
			{"Epoch", fmt.Sprintf("%d of %d", state.Epoch, cfg.TotalEpochs)},
			{"Global Step", humanize.Comma(state.GlobalStep)},
			{"Median step duration", FormatDuration(trainer.MedianStepDuration())},
			{"Loss", fmt.Sprintf("%.4g", state.LastLoss)},
		},
	}
	pBar.stepsReported = stepsRun
	return nil
}

// stop the drawing goroutine and restore the cursor. It is called at the end of the training, whether it
// finished or aborted.
func (pBar *progressBar) stop() {
	pBar.stopOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		fmt.Println()
	})
}

func (pBar *progressBar) onEnd(_ *train.Trainer, _ train.RunState) error {
	pBar.stop()
	return nil
}

func (pBar *progressBar) onAbort(_ *train.Trainer, _ error) error {
	pBar.stop()
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "ddp.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// newStatsTable returns the table used to display stats, with names right aligned in the first column.
func newStatsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Trainer, so that
// when it runs, it will display a progress bar with the progression, the loss and the step duration.
//
// Only the main rank displays it: on other ranks it is a no-op.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) {
	if !trainer.Identity().IsMain() {
		return
	}
	attachProgressBar(trainer, extraMetrics)
}

func attachProgressBar(trainer *train.Trainer, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newStatsTable(),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		// Asynchronously draw updates: the training may be faster than the terminal.
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Create the table to be printed.
			pBar.statsTable.Data(lgtable.NewStringData())
			for _, row := range update.rows {
				pBar.statsTable.Row(row[0], row[1])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// For command-line, we clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				numLinesToBackup := len(update.rows) + len(pBar.extraMetricFns) + 3
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			// Print update.
			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
		pBar.asyncUpdatesDone.Done()
	}()

	trainer.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the training, or at least every RefreshPeriod.
	totalSteps := trainer.Config().TotalEpochs * trainer.StepsPerEpoch()
	train.EveryNSteps(trainer, max(1, totalSteps/1000), ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(trainer, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	trainer.OnEnd(ProgressBarName, 0, pBar.onEnd)
	trainer.OnAbort(ProgressBarName, 0, pBar.onAbort)
	return pBar
}
