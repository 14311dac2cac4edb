package sheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"sheetagent/internal/domain"
)

// Chart kinds.
var ChartKinds = []any{"bar", "line", "scatter", "pie"}

const (
	chartDataSheet = "ChartData"
	maxChartPoints = 500
)

var chartTypes = map[string]excelize.ChartType{
	"bar":     excelize.Col,
	"line":    excelize.Line,
	"scatter": excelize.Scatter,
	"pie":     excelize.Pie,
}

// BuildChart derives a chart payload from a table. With y empty the series
// counts rows per distinct x value; otherwise it pairs x with the numeric y
// of each row, in row order.
func BuildChart(t *Table, kind, x, y string) (*domain.ChartPayload, error) {
	if _, ok := chartTypes[kind]; !ok {
		return nil, fmt.Errorf("chart kind %q not supported", kind)
	}
	xc, err := t.Col(x)
	if err != nil {
		return nil, err
	}

	payload := &domain.ChartPayload{Kind: kind, X: t.Header[xc]}
	series := domain.ChartSeries{}

	if y == "" {
		counts := make(map[string]int)
		var order []string
		for _, r := range t.Rows {
			v := r[xc]
			if counts[v] == 0 {
				order = append(order, v)
			}
			counts[v]++
		}
		series.Name = "count"
		for _, v := range order {
			series.Labels = append(series.Labels, v)
			series.Values = append(series.Values, float64(counts[v]))
		}
		payload.Title = "Count by " + payload.X
	} else {
		yc, err := t.Col(y)
		if err != nil {
			return nil, err
		}
		payload.Y = t.Header[yc]
		series.Name = payload.Y
		for _, r := range t.Rows {
			v, ok := number(r[yc])
			if !ok {
				continue
			}
			series.Labels = append(series.Labels, r[xc])
			series.Values = append(series.Values, v)
		}
		payload.Title = fmt.Sprintf("%s vs. %s", payload.Y, payload.X)
	}

	if len(series.Values) == 0 {
		return nil, fmt.Errorf("no plottable rows for %s", payload.Title)
	}
	payload.Points = len(series.Values)
	if len(series.Values) > maxChartPoints {
		series.Labels = series.Labels[:maxChartPoints]
		series.Values = series.Values[:maxChartPoints]
		payload.Truncated = true
	}
	payload.Series = []domain.ChartSeries{series}
	return payload, nil
}

// WriteChart saves the chart's data and a native chart as a new workbook.
func WriteChart(path string, chart *domain.ChartPayload) error {
	if chart == nil || len(chart.Series) == 0 {
		return fmt.Errorf("empty chart")
	}
	s := chart.Series[0]
	data := &Table{Sheet: chartDataSheet, Header: []string{chart.X, s.Name}}
	for i := range s.Values {
		data.Rows = append(data.Rows, []string{s.Labels[i], formatNumber(s.Values[i])})
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), chartDataSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	// The chart sheet is small and AddChart needs the in-memory worksheet,
	// so it is written cell by cell rather than streamed.
	if err := data.setRows(f, chartDataSheet); err != nil {
		return err
	}

	last := len(s.Values) + 1
	err := f.AddChart(chartDataSheet, "D2", &excelize.Chart{
		Type: chartTypes[chart.Kind],
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("%s!$B$1", chartDataSheet),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", chartDataSheet, last),
			Values:     fmt.Sprintf("%s!$B$2:$B$%d", chartDataSheet, last),
		}},
		Title: []excelize.RichTextRun{{Text: chart.Title}},
	})
	if err != nil {
		return fmt.Errorf("add chart: %w", err)
	}
	return saveAtomic(f, path)
}
