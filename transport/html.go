package transport

import (
	"bytes"
	"html/template"
	"time"

	"receiving-atc/atc"
)

var emailTemplate = template.Must(template.New("delivery").Funcs(template.FuncMap{
	"cases": atc.FormatCases,
	"stamp": func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family:Segoe UI,Arial,sans-serif;font-size:14px;color:#1a1a1a">
<h2 style="color:#0071ce;margin-bottom:4px">Manual Receiving - Delivery {{.Delivery.DeliveryID}}</h2>
<p style="margin-top:0">Facility {{.FacilityID}} &middot; {{.Delivery.ShiftLabel}} &middot; first detected {{stamp .Delivery.FirstDetected}}</p>
<p><strong>Total cases:</strong> {{cases .Delivery.TotalCases}}{{if .Delivery.Locations}} &middot; <strong>Locations:</strong> {{range $i, $l := .Delivery.Locations}}{{if $i}}, {{end}}{{$l}}{{end}}{{end}}</p>
{{- if .Delivery.Items}}
<table cellpadding="6" cellspacing="0" style="border-collapse:collapse;border:1px solid #d0d0d0">
<tr style="background:#f2f2f2"><th align="left">Item</th><th align="left">Vendor</th><th align="right">Cases</th><th align="left">Locations</th></tr>
{{- range .Delivery.Items}}
<tr><td>{{.ItemNumber}}</td><td>{{.VendorName}}</td><td align="right">{{cases .Cases}}</td><td>{{range $i, $l := .Locations}}{{if $i}}, {{end}}{{$l}}{{end}}</td></tr>
{{- end}}
</table>
{{- end}}
<p style="color:#666;font-size:12px">Sent by receiving-atc. Reply to the inbound lead for corrections.</p>
</body>
</html>
`))

var plainTemplate = template.Must(template.New("plain").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family:Segoe UI,Arial,sans-serif;font-size:14px">
{{- range .Lines}}
<div>{{.}}</div>
{{- end}}
</body>
</html>
`))

// RenderHTML renders msg as an email body. Delivery notifications get the item
// table; anything else is rendered line by line.
func RenderHTML(msg atc.Message, loc *time.Location) (string, error) {
	var b bytes.Buffer
	if msg.Delivery == nil {
		if err := plainTemplate.Execute(&b, msg); err != nil {
			return "", err
		}
		return b.String(), nil
	}
	if loc == nil {
		loc = time.Local
	}
	d := *msg.Delivery
	d.FirstDetected = d.FirstDetected.In(loc)
	msg.Delivery = &d
	if err := emailTemplate.Execute(&b, msg); err != nil {
		return "", err
	}
	return b.String(), nil
}
