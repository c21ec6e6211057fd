package controller

import (
	"bytes"
	"fmt"
	"html/template"

	"replyassist/internal/completion"
)

const surfaceHTML = `<div class="replyassist" style="display:flex;flex-wrap:wrap;gap:4px;margin:4px 0">
{{- if .Loading}}
<button type="button" disabled>{{.LoadingText}}</button>
{{- else}}
{{- range .Tones}}
<button type="button" data-action="tone" data-tone="{{.Name}}" aria-pressed="{{.Selected}}"{{if .Selected}} style="font-weight:bold"{{end}}>{{.Label}}</button>
{{- end}}
{{- range .Variants}}
<button type="button" data-action="generate" data-variant="{{.Name}}">{{.Label}}</button>
{{- end}}
{{- if .Error}}
<div role="alert" style="flex-basis:100%">{{.Error}}</div>
{{- end}}
{{- end}}
</div>`

var surfaceTmpl = template.Must(template.New("surface").Parse(surfaceHTML))

type toneButton struct {
	Name     string
	Label    string
	Selected bool
}

type variantButton struct {
	Name  string
	Label string
}

type surfaceData struct {
	Loading     bool
	LoadingText string
	Tones       []toneButton
	Variants    []variantButton
	Error       string
}

// View renders the control surface markup. Buttons carry data-action,
// data-tone and data-variant attributes; the page binding forwards those.
type View struct {
	t completion.Templates
}

// NewView returns a view labelled with t.
func NewView(t completion.Templates) *View {
	return &View{t: t}
}

// Render returns the surface markup for s.
func (v *View) Render(s Snapshot) (string, error) {
	data := surfaceData{}
	if s.State == InFlight {
		data.Loading = true
		data.LoadingText = fmt.Sprintf(v.t.LoadingFormat, v.t.Label(s.Variant))
	} else {
		data.Tones = []toneButton{
			{Name: completion.Accept.String(), Label: v.t.AcceptLabel, Selected: s.Tone == completion.Accept},
			{Name: completion.Reject.String(), Label: v.t.RejectLabel, Selected: s.Tone == completion.Reject},
		}
		for _, variant := range completion.Variants {
			data.Variants = append(data.Variants, variantButton{Name: string(variant), Label: v.t.Label(variant)})
		}
		if s.Error != "" {
			data.Error = fmt.Sprintf(v.t.ErrorFormat, s.Error)
		}
	}

	var buf bytes.Buffer
	if err := surfaceTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render surface: %w", err)
	}
	return buf.String(), nil
}
