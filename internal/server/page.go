package server

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

type option struct {
	Label    string
	Selected bool
}

type pageData struct {
	Title         string
	Start, End    string
	Min, Max      string
	Granularities []option
	Error         string
	View          *dashboard.View
	ChartQuery    template.URL
	SpeedTitle    string
	PingTitle     string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
td, th { padding: 0.2em 0.8em; text-align: right; }
.error { color: #b00; }
.muted { color: #777; font-size: 0.9em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<form method="get" action="/">
  <label>Start <input type="date" name="start" value="{{.Start}}" min="{{.Min}}" max="{{.Max}}"></label>
  <label>End <input type="date" name="end" value="{{.End}}" min="{{.Min}}" max="{{.Max}}"></label>
  <label>Granularity
    <select name="granularity">
    {{range .Granularities}}<option{{if .Selected}} selected{{end}}>{{.Label}}</option>{{end}}
    </select>
  </label>
  <button type="submit">Show</button>
</form>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{with .View}}
<p class="muted">{{len .Rows}} rows{{if .CacheHit}} (cached){{end}}</p>
<h2>{{$.SpeedTitle}}</h2>
<img src="/chart/speed.png?{{$.ChartQuery}}" alt="speed chart">
<h2>{{$.PingTitle}}</h2>
<img src="/chart/ping.png?{{$.ChartQuery}}" alt="ping chart">
<h2>Summary</h2>
<table>
<tr><th>metric</th><th>count</th><th>min</th><th>mean</th><th>p50</th><th>p95</th><th>max</th></tr>
{{range .Summary}}<tr><td>{{.Metric}}</td><td>{{.Count}}</td><td>{{printf "%.2f" .Min}}</td><td>{{printf "%.2f" .Mean}}</td><td>{{printf "%.2f" .P50}}</td><td>{{printf "%.2f" .P95}}</td><td>{{printf "%.2f" .Max}}</td></tr>
{{end}}
</table>
<p class="muted">{{range .Timings}}{{.Label}} {{.Elapsed}} · {{end}}</p>
{{end}}
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data := pageData{
		Title:         "Speedtest Dashboard",
		Granularities: granularityOptions(types.Hourly),
		SpeedTitle:    chart.SpeedTitle,
		PingTitle:     chart.PingTitle,
	}

	status := http.StatusOK
	v, err := s.view(r)
	if err != nil {
		status = statusFor(err)
		data.Error = err.Error()
		s.writeErrorLog(ctx, err, status)
	}

	if b, berr := s.dash.Bounds(ctx); berr == nil {
		data.Min, data.Max = b.Start.String(), b.End.String()
		data.Start, data.End = data.Min, data.Max
	}

	if v != nil {
		data.View = v
		data.Start, data.End = v.Query.Start.String(), v.Query.End.String()
		data.Granularities = granularityOptions(v.Query.Granularity)
		data.ChartQuery = template.URL(url.Values{
			"start":       {data.Start},
			"end":         {data.End},
			"granularity": {v.Query.Granularity.String()},
		}.Encode())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		log.Debug("render page", "error", err)
	}
}
