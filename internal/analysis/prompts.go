package analysis

import (
	"fmt"
	"strings"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const systemPrompt = `You are a senior product designer reviewing screenshots of a web application.
Report concrete visual and usability problems you can see in the screenshot. Do not invent issues you cannot see.

Respond with a single JSON object and nothing else:
{
  "summary": "one or two sentences on the overall state of the page",
  "findings": [
    {
      "severity": "critical" | "warning" | "suggestion",
      "category": "layout" | "typography" | "color" | "accessibility" | "content" | "navigation" | "responsiveness" | "consistency",
      "title": "short name of the issue",
      "description": "what is wrong and where on the page",
      "recommendation": "how to fix it"
    }
  ]
}

Report at most 10 findings, most severe first. Use "critical" only for problems that block or seriously mislead users.`

const reformatPrompt = `The text below is a design review of a web page. Rewrite it as a single JSON object with this shape and output nothing else:
{"summary": string, "findings": [{"severity": "critical"|"warning"|"suggestion", "category": "layout"|"typography"|"color"|"accessibility"|"content"|"navigation"|"responsiveness"|"consistency", "title": string, "description": string, "recommendation": string}]}

Review:
`

// SystemPrompt returns the instructions sent with every screenshot
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt describes the screenshot being reviewed. The viewport drives
// what counts as a responsiveness problem.
func UserPrompt(page string, vp models.ViewportSpec, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\n", page)
	if url != "" {
		fmt.Fprintf(&b, "URL: %s\n", url)
	}
	fmt.Fprintf(&b, "Viewport: %s (%dx%d)\n\n", vp.Name, vp.Width, vp.Height)

	switch {
	case vp.Width < 600:
		b.WriteString("This is a phone-sized screen. Pay attention to tap target size, horizontal overflow, text that is too small to read and content hidden behind fixed headers.")
	case vp.Width < 1024:
		b.WriteString("This is a tablet-sized screen. Pay attention to awkward intermediate layouts, stretched or cramped columns and navigation that does not adapt.")
	default:
		b.WriteString("This is a desktop screen. Pay attention to alignment, use of whitespace, line length and visual hierarchy.")
	}
	return b.String()
}

// ReformatPrompt asks the service to turn free text into the JSON shape
func ReformatPrompt(text string) string {
	return reformatPrompt + text
}
