// Command zone-report renders an HTML report of zone coverage and network
// quality from a wifi-scout database: per-zone measurement volume, average
// download/upload speeds and download percentiles.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	_ "modernc.org/sqlite"

	"github.com/Maciek28675/wifi-scout-backend/internal/config"
	"github.com/Maciek28675/wifi-scout-backend/internal/db"
)

var (
	dbFile  = flag.String("db", "wifi_scout.db", "SQLite database file")
	outFile = flag.String("out", "zone-report.html", "Output HTML file")
	topN    = flag.Int("top", 30, "Number of zones to include, busiest first")
)

type zoneRow struct {
	ZoneID      string
	Count       int64
	AvgDownload float64
	AvgUpload   float64
	P50Download float64
	P85Download float64
}

func loadZones(database *db.DB, limit int) ([]zoneRow, error) {
	rows, err := database.Query(`
		SELECT zone_id, total_measurements,
		       COALESCE(zone_avg_download, 0), COALESCE(zone_avg_upload, 0),
		       COALESCE(p50_download, 0), COALESCE(p85_download, 0)
		FROM measurement_zones
		ORDER BY total_measurements DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []zoneRow
	for rows.Next() {
		var z zoneRow
		if err := rows.Scan(&z.ZoneID, &z.Count, &z.AvgDownload, &z.AvgUpload, &z.P50Download, &z.P85Download); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func volumeChart(zones []zoneRow) *charts.Bar {
	names := make([]string, len(zones))
	counts := make([]opts.BarData, len(zones))
	for i, z := range zones {
		names[i] = z.ZoneID
		counts[i] = opts.BarData{Value: z.Count}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Measurements per zone", Subtitle: "busiest zones first"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Rotate: 45}}),
	)
	bar.SetXAxis(names)
	bar.AddSeries("measurements", counts,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}

func speedChart(zones []zoneRow) *charts.Bar {
	names := make([]string, len(zones))
	avgDL := make([]opts.BarData, len(zones))
	avgUL := make([]opts.BarData, len(zones))
	p85 := make([]opts.BarData, len(zones))
	for i, z := range zones {
		names[i] = z.ZoneID
		avgDL[i] = opts.BarData{Value: z.AvgDownload}
		avgUL[i] = opts.BarData{Value: z.AvgUpload}
		p85[i] = opts.BarData{Value: z.P85Download}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Network quality per zone", Subtitle: "Mbps"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Rotate: 45}}),
	)
	bar.SetXAxis(names)
	bar.AddSeries("avg download", avgDL)
	bar.AddSeries("avg upload", avgUL)
	bar.AddSeries("p85 download", p85)
	return bar
}

func main() {
	flag.Parse()

	database, err := db.NewDB(*dbFile, config.DefaultEngineConfig())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	zones, err := loadZones(database, *topN)
	if err != nil {
		log.Fatalf("failed to load zone stats: %v", err)
	}
	if len(zones) == 0 {
		log.Fatal("no zone statistics found; run the server (or a rollup) first")
	}

	page := components.NewPage()
	page.PageTitle = "wifi-scout zone report"
	page.AddCharts(volumeChart(zones), speedChart(zones))

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outFile, err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	fmt.Printf("wrote %s (%d zones)\n", *outFile, len(zones))
}
