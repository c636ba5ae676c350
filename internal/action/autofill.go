package action

import (
	"regexp"
	"strings"
)

// pathLike matches quoted or bare tokens that look like file paths in a
// step title ("write results to 'out/report.json'").
var pathLike = regexp.MustCompile(`['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]|(\S*[/.]\S+)`)

// Autofill fills well-known required fields the decision source often
// omits but that are deterministically derivable from the step title or
// run context. It runs before Validate so safely inferable omissions
// never cause a hard validation failure.
func Autofill(a *Action, stepTitle string, bag map[string]string) {
	if a.Payload == nil {
		a.Payload = make(map[string]any)
	}
	def, ok := definitions[a.Kind]
	if !ok {
		return
	}
	for _, key := range def.required {
		if _, present := a.Payload[key]; present {
			continue
		}
		switch key {
		case "path":
			if p := pathFromTitle(stepTitle); p != "" {
				a.Payload["path"] = p
			}
		case "content":
			if v, ok := bag["last_result"]; ok && v != "" {
				a.Payload["content"] = v
			}
		case "html":
			if v, ok := bag["last_result"]; ok && v != "" {
				a.Payload["html"] = v
			}
		case "text":
			if v, ok := bag["last_result"]; ok && v != "" {
				a.Payload["text"] = v
			}
		case "question":
			if stepTitle != "" {
				a.Payload["question"] = stepTitle
			}
		}
	}
	if _, present := a.Payload["workdir"]; !present {
		if wd, ok := bag["workdir"]; ok && wd != "" {
			a.Payload["workdir"] = wd
		}
	}
	if _, present := a.Payload["timeout_ms"]; !present {
		a.Payload["timeout_ms"] = int(Timeout(a.Kind).Milliseconds())
	}
}

func pathFromTitle(title string) string {
	for _, m := range pathLike.FindAllStringSubmatch(title, -1) {
		cand := m[1]
		if cand == "" {
			cand = m[2]
		}
		cand = strings.Trim(cand, ".,;:")
		// Skip things that are clearly URLs or sentence fragments.
		if cand == "" || strings.Contains(cand, "://") || !strings.ContainsAny(cand, "/.") {
			continue
		}
		return cand
	}
	return ""
}
