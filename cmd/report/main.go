// Command report renders a flushed test session as a standalone HTML page
// with accuracy and latency charts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/vrulab/detection.report/internal/db"
	"github.com/vrulab/detection.report/internal/engine"
	"github.com/vrulab/detection.report/internal/security"
)

var (
	dbFile    = flag.String("db", "sessions.db", "SQLite database file")
	sessionID = flag.String("session", "", "Session ID to report on (default: most recent)")
	outPath   = flag.String("out", "", "Output HTML file (default: report-<session>.html)")
)

func main() {
	flag.Parse()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	id := *sessionID
	if id == "" {
		listings, err := database.ListSessions()
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		if len(listings) == 0 {
			log.Fatal("no flushed sessions in database")
		}
		id = listings[0].ID
	}

	rec, err := database.GetSession(id)
	if err != nil {
		log.Fatalf("failed to load session %s: %v", id, err)
	}

	out := *outPath
	if out == "" {
		out = fmt.Sprintf("report-%s.html", security.SanitizeFilename(rec.ID))
	}
	if err := security.ValidateExportPath(out); err != nil {
		log.Fatalf("invalid output path: %v", err)
	}

	page := components.NewPage()
	page.SetPageTitle(fmt.Sprintf("Session %s", rec.ID))
	page.AddCharts(outcomeChart(rec), accuracyChart(rec), latencyChart(rec))

	f, err := os.Create(out)
	if err != nil {
		log.Fatalf("failed to create %s: %v", out, err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote report for session %s to %s", rec.ID, out)
}

func outcomeChart(rec *engine.SessionRecord) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection Outcomes",
			Subtitle: fmt.Sprintf("video=%s state=%s", rec.VideoID, rec.State),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"True Positives", "False Positives", "False Negatives"}).
		AddSeries("outcomes", []opts.BarData{
			{Value: rec.Metrics.TruePositives},
			{Value: rec.Metrics.FalsePositives},
			{Value: rec.Metrics.FalseNegatives},
		},
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

func accuracyChart(rec *engine.SessionRecord) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Accuracy",
			Subtitle: fmt.Sprintf("tolerance=%.0fms detections=%d", rec.ToleranceMs,
				rec.Metrics.TruePositives+rec.Metrics.FalsePositives),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis([]string{"Precision", "Recall", "F1"}).
		AddSeries("accuracy", []opts.BarData{
			{Value: rec.Metrics.Precision},
			{Value: rec.Metrics.Recall},
			{Value: rec.Metrics.F1},
		},
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

func latencyChart(rec *engine.SessionRecord) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection Latency (ms)",
			Subtitle: fmt.Sprintf("samples=%d signal matches=%d", rec.Metrics.LatencySamples, rec.Signal.Matched),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"p50", "p95", "p99"}).
		AddSeries("detection", []opts.BarData{
			{Value: rec.Metrics.LatencyP50Ms},
			{Value: rec.Metrics.LatencyP95Ms},
			{Value: rec.Metrics.LatencyP99Ms},
		}).
		AddSeries("signal", []opts.BarData{
			{Value: rec.Signal.LatencyP50Ms},
			{Value: rec.Signal.LatencyP95Ms},
			{Value: rec.Signal.LatencyP99Ms},
		},
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
