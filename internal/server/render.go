package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensorhub/internal/store"
)

// render buffers the component so a failed render never leaves a partial
// page behind a success status.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, c templ.Component) error {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.TemplateRenderTime.WithLabelValues(name))
		defer timer.ObserveDuration()
	}

	var buf bytes.Buffer
	if err := c.Render(r.Context(), &buf); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return fmt.Errorf("failed to render %s: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

func layout(title string, body func(b *strings.Builder)) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		b.WriteString(`<title>`)
		b.WriteString(templ.EscapeString(title))
		b.WriteString(` | sensorhub</title></head><body><main>`)
		body(&b)
		b.WriteString(`</main></body></html>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func loginPage(errMsg, next string) templ.Component {
	return layout("Sign in", func(b *strings.Builder) {
		b.WriteString(`<h1>Sign in</h1>`)
		if errMsg != "" {
			b.WriteString(`<p class="error" role="alert">`)
			b.WriteString(templ.EscapeString(errMsg))
			b.WriteString(`</p>`)
		}
		b.WriteString(`<form method="post" action="/login">`)
		b.WriteString(`<input type="hidden" name="next" value="`)
		b.WriteString(templ.EscapeString(next))
		b.WriteString(`">`)
		b.WriteString(`<label>Username <input name="username" autocomplete="username" required></label>`)
		b.WriteString(`<label>Password <input type="password" name="password" autocomplete="current-password" required></label>`)
		b.WriteString(`<button type="submit">Sign in</button></form>`)
	})
}

func dashboardPage(deviceID string, rows []store.Reading) templ.Component {
	title := "All devices"
	if deviceID != "" {
		title = deviceID
	}

	return layout(title, func(b *strings.Builder) {
		b.WriteString(`<header><h1>`)
		b.WriteString(templ.EscapeString(title))
		b.WriteString(`</h1><a href="/logout">Sign out</a></header>`)

		if len(rows) == 0 {
			b.WriteString(`<p class="empty">No readings yet.</p>`)
			return
		}

		latest := rows[0]
		fmt.Fprintf(b, `<section class="latest"><p class="temperature">%s &deg;C</p><p>Target %s &deg;C, fan %s</p></section>`,
			number(&latest.TemperatureC), number(&latest.TargetC), onOff(latest.FanOn))

		b.WriteString(`<table><thead><tr><th>Time (UTC)</th><th>Device</th><th>Temp</th><th>Raw</th><th>Humidity</th>`)
		b.WriteString(`<th>Pressure</th><th>CPU</th><th>Target</th><th>Fan</th></tr></thead><tbody>`)
		for i := range rows {
			r := &rows[i]
			fmt.Fprintf(b, `<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>`,
				r.Timestamp.Format("2006-01-02 15:04:05"),
				templ.EscapeString(r.DeviceID),
				number(&r.TemperatureC),
				number(&r.RawTempC),
				number(r.HumidityPct),
				number(r.PressureHpa),
				number(r.CPUTempC),
				number(&r.TargetC),
				onOff(r.FanOn),
			)
		}
		b.WriteString(`</tbody></table>`)
	})
}

func number(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
