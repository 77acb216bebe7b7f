// Command progress-report renders an HTML progress dashboard for the projects
// in an analyst database: task counts by state per project and the answer
// volume behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/libcrowds/analyst/internal/db"
)

var (
	dbPath  = flag.String("db", "analyst.db", "Path to the analyst sqlite database")
	outPath = flag.String("out", "progress.html", "Output HTML file")
	project = flag.String("project", "", "Restrict the report to one project ID")
)

func main() {
	flag.Parse()

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	projects := []string{*project}
	if *project == "" {
		projects, err = database.ProjectIDs(ctx)
		if err != nil {
			log.Fatalf("Failed to list projects: %v", err)
		}
	}
	if len(projects) == 0 {
		log.Fatal("No projects found in database")
	}

	var stats []*db.ProjectStats
	for _, id := range projects {
		s, err := database.ProjectStats(ctx, id)
		if err != nil {
			log.Fatalf("Failed to roll up project %s: %v", id, err)
		}
		stats = append(stats, s)
	}

	page := components.NewPage()
	page.SetPageTitle("Analyst Progress Report")
	page.AddCharts(stateBarChart(stats), answerBarChart(stats))
	if len(stats) == 1 {
		page.AddCharts(statePieChart(stats[0]))
	}

	out, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer out.Close()

	if err := page.Render(out); err != nil {
		log.Fatalf("Failed to render report: %v", err)
	}
	log.Printf("Wrote progress report for %d project(s) to %s", len(stats), *outPath)
}

// stateBarChart plots ongoing vs completed task counts per project.
func stateBarChart(stats []*db.ProjectStats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Tasks by state"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	var labels []string
	var ongoing, completed []opts.BarData
	for _, s := range stats {
		labels = append(labels, s.ProjectID)
		ongoing = append(ongoing, opts.BarData{Value: s.Ongoing})
		completed = append(completed, opts.BarData{Value: s.Completed})
	}

	bar.SetXAxis(labels).
		AddSeries("ongoing", ongoing).
		AddSeries("completed", completed)
	return bar
}

// answerBarChart plots submitted answer volume and the escalation level.
func answerBarChart(stats []*db.ProjectStats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Answer volume",
			Subtitle: "total submissions per project, with median and p85 answers per task",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	var labels []string
	var totals, p50, p85 []opts.BarData
	for _, s := range stats {
		labels = append(labels, s.ProjectID)
		totals = append(totals, opts.BarData{Value: s.TotalAnswers})
		p50 = append(p50, opts.BarData{Value: s.AnswersP50})
		p85 = append(p85, opts.BarData{Value: s.AnswersP85})
	}

	bar.SetXAxis(labels).
		AddSeries("total answers", totals).
		AddSeries("p50 per task", p50).
		AddSeries("p85 per task", p85)
	return bar
}

// statePieChart breaks down a single project's tasks.
func statePieChart(s *db.ProjectStats) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Project %s", s.ProjectID),
			Subtitle: fmt.Sprintf("%d tasks, %d with results", s.Tasks, s.WithResult),
		}),
	)
	pie.AddSeries("tasks", []opts.PieData{
		{Name: "ongoing", Value: s.Ongoing},
		{Name: "completed", Value: s.Completed},
	})
	return pie
}
