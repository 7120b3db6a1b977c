package httpapi

import (
	"bytes"
	"encoding/csv"
	"html/template"

	"github.com/rs/zerolog/log"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/service"
)

func zReportToCSV(report domain.ZReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(service.ZReportCSV(report)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zReportHTMLTmpl renders a printable Z report. html/template escapes every
// field.
var zReportHTMLTmpl = template.Must(template.New("z-report").Funcs(template.FuncMap{
	"money": service.FormatCents,
}).Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Z Report {{.RegisterID}} {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    td.num { text-align: right; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Z Report {{.Date}}</h2>
  <p>Register: {{.RegisterID}} | Generated by {{.GeneratedBy}} at {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>
  <p>Sessions: {{.SessionsCount}} | Invoices: {{.InvoiceCount}} | Total TTC: {{money .TotalTTCCents}}</p>
  <p>Refunds: {{.RefundCount}} for {{money .RefundTotalCents}} | Cash difference: {{money .TotalCashDifferenceCents}}</p>

  <h3>By Method</h3>
  <table>
    <thead><tr><th>Method</th><th>Sales</th></tr></thead>
    <tbody>{{range $method, $amount := .TotalsByMethod}}<tr><td>{{$method}}</td><td class="num">{{money $amount}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Sessions</h3>
  <table>
    <thead><tr><th>Session</th><th>Opened by</th><th>Closed by</th><th>Expected</th><th>Counted</th><th>Difference</th><th>Invoices</th><th>Sales</th></tr></thead>
    <tbody>{{range .Sessions}}<tr><td>{{.SessionID}}</td><td>{{.OpenedBy}}</td><td>{{.ClosedBy}}</td><td class="num">{{money .ExpectedCashCents}}</td><td class="num">{{money .CountedCashCents}}</td><td class="num">{{money .CashDifferenceCents}}</td><td class="num">{{.InvoiceCount}}</td><td class="num">{{money .TotalSalesCents}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func zReportToPrintableHTML(report domain.ZReport) string {
	var buf bytes.Buffer
	if err := zReportHTMLTmpl.Execute(&buf, report); err != nil {
		log.Error().Err(err).Str("register_id", report.RegisterID).Str("date", report.Date).Msg("http: render z report")
		return "<!doctype html><html><body><p>Report rendering error.</p></body></html>"
	}
	return buf.String()
}
