// Command sttbench transcribes one audio file with every configured
// speech-to-text provider and compares text, timing and cost.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"callscore/internal/config"
	"callscore/internal/pricing"
	"callscore/internal/stt"
	"callscore/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/xuri/excelize/v2"
)

func main() {
	audio := flag.String("audio", "", "audio file to transcribe (required)")
	lang := flag.String("lang", "", "language code; empty uses STT_LANGUAGE")
	limit := flag.Int("parallel", 3, "providers run at once; 0 is unbounded")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	out := flag.String("xlsx", "", "also write the comparison to this workbook")
	flag.Parse()

	if *audio == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("env file not loaded", "err", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Env: cfg.App.Env, Level: cfg.Log.Level})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	reg := stt.FromConfig(ctx, cfg.STT, log)
	if reg.Len() == 0 {
		log.Error("no speech-to-text provider configured")
		os.Exit(1)
	}
	if *lang == "" {
		*lang = cfg.STT.Language
	}

	log.Info("benchmarking", "providers", reg.Names(), "audio", *audio)
	outcomes := reg.TranscribeWithAll(ctx, *audio, stt.Options{Language: *lang}, *limit)
	rows := benchRows(ctx, outcomes, pricing.NewService(pricing.DefaultRepo()))

	if err := printRows(os.Stdout, rows); err != nil {
		log.Error("print failed", "err", err)
		os.Exit(1)
	}
	if *out != "" {
		if err := writeWorkbook(*out, rows); err != nil {
			log.Error("workbook failed", "err", err)
			os.Exit(1)
		}
		log.Info("workbook written", "path", *out)
	}
}

type row struct {
	Provider     string
	Model        string
	OK           bool
	Error        string
	ProcessingMs int64
	DurationS    float64
	Words        int
	CostUSD      *float64
	Text         string
}

// benchRows flattens the outcomes, fastest successful provider first.
func benchRows(ctx context.Context, outcomes map[string]stt.Outcome, prices *pricing.Service) []row {
	rows := make([]row, 0, len(outcomes))
	for name, o := range outcomes {
		r := row{Provider: name, OK: o.OK, Error: o.Error}
		if o.Code != "" {
			r.Error = o.Code + ": " + o.Error
		}
		if res := o.Result; res != nil {
			r.Model = res.Model
			r.ProcessingMs = res.ProcessingTimeMs
			r.DurationS = res.DurationS
			r.Words = res.WordCount
			r.Text = res.Text
			if c, err := prices.STTCost(ctx, name, res.DurationS); err == nil {
				r.CostUSD = &c.USD
			}
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OK != rows[j].OK {
			return rows[i].OK
		}
		if rows[i].ProcessingMs != rows[j].ProcessingMs {
			return rows[i].ProcessingMs < rows[j].ProcessingMs
		}
		return rows[i].Provider < rows[j].Provider
	})
	return rows
}

var header = []string{"provider", "model", "ok", "processing_ms", "duration_s", "words", "cost_usd", "error", "text"}

func (r row) cells() []string {
	cost := ""
	if r.CostUSD != nil {
		cost = strconv.FormatFloat(*r.CostUSD, 'f', 4, 64)
	}
	return []string{
		r.Provider,
		r.Model,
		strconv.FormatBool(r.OK),
		strconv.FormatInt(r.ProcessingMs, 10),
		strconv.FormatFloat(r.DurationS, 'f', 1, 64),
		strconv.Itoa(r.Words),
		cost,
		r.Error,
		r.Text,
	}
}

func printRows(w io.Writer, rows []row) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	// text goes to the workbook only
	fmt.Fprintln(tw, strings.Join(header[:len(header)-1], "\t"))
	for _, r := range rows {
		c := r.cells()
		fmt.Fprintln(tw, strings.Join(c[:len(c)-1], "\t"))
	}
	return tw.Flush()
}

func writeWorkbook(path string, rows []row) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Comparison"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		c := r.cells()
		if err := f.SetSheetRow(sheet, cell, &c); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(sheet, "I", "I", 80); err != nil {
		return err
	}
	return f.SaveAs(path)
}
