// Package action models the closed set of action kinds a step may
// execute, plus the normalization and validation applied at the loop
// boundary before anything reaches an executor.
package action

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindShell     Kind = "shell_command"
	KindWriteFile Kind = "write_file"
	KindReadFile  Kind = "read_file"
	KindListDir   Kind = "list_dir"
	KindFetchURL  Kind = "fetch_url"
	KindParseHTML Kind = "parse_html"
	KindGenerate  Kind = "llm_generate"
	KindOutput    Kind = "task_output"
	KindAskUser   Kind = "ask_user"
)

const DefaultTimeout = 30 * time.Second

// aliases maps the shorthands decision sources tend to emit onto the
// canonical kinds. Checked once, at the loop boundary.
var aliases = map[string]Kind{
	"bash":                     KindShell,
	"sh":                       KindShell,
	"shell":                    KindShell,
	"exec":                     KindShell,
	"command":                  KindShell,
	"system.execute_shell":     KindShell,
	"file_write":               KindWriteFile,
	"system.write_file":        KindWriteFile,
	"system.write_file_atomic": KindWriteFile,
	"file_read":                KindReadFile,
	"system.read_file":         KindReadFile,
	"system.list_directory":    KindListDir,
	"http_get":                 KindFetchURL,
	"fetch":                    KindFetchURL,
	"web.request":              KindFetchURL,
	"html.links":               KindParseHTML,
	"extract_links":            KindParseHTML,
	"generate":                 KindGenerate,
	"llm.generate_content":     KindGenerate,
	"completion":               KindGenerate,
	"output":                   KindOutput,
	"final_output":             KindOutput,
	"ask":                      KindAskUser,
	"ask_user_question":        KindAskUser,
	"user_input":               KindAskUser,
}

var canonical = map[Kind]bool{
	KindShell: true, KindWriteFile: true, KindReadFile: true,
	KindListDir: true, KindFetchURL: true, KindParseHTML: true,
	KindGenerate: true, KindOutput: true, KindAskUser: true,
}

// Normalize resolves a raw kind string to its canonical Kind.
func Normalize(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if canonical[k] {
		return k, true
	}
	if c, ok := aliases[string(k)]; ok {
		return c, true
	}
	return "", false
}

// Action is a validated, executable unit handed to an executor.
type Action struct {
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

type definition struct {
	required []string
	timeout  time.Duration
}

var definitions = map[Kind]definition{
	KindShell:     {required: []string{"command"}, timeout: 60 * time.Second},
	KindWriteFile: {required: []string{"path", "content"}},
	KindReadFile:  {required: []string{"path"}},
	KindListDir:   {required: []string{"path"}},
	KindFetchURL:  {required: []string{"url"}},
	KindParseHTML: {required: []string{"html"}},
	KindGenerate:  {required: []string{"prompt"}, timeout: 90 * time.Second},
	KindOutput:    {required: []string{"text"}},
	KindAskUser:   {required: []string{"question"}},
}

// Timeout returns the execution deadline for a kind.
func Timeout(k Kind) time.Duration {
	if d, ok := definitions[k]; ok && d.timeout > 0 {
		return d.timeout
	}
	return DefaultTimeout
}

// Validate checks an action against its kind's required payload keys.
func Validate(a *Action) error {
	def, ok := definitions[a.Kind]
	if !ok {
		return fmt.Errorf("action kind '%s' is not defined", a.Kind)
	}
	for _, key := range def.required {
		if _, present := a.Payload[key]; !present {
			return fmt.Errorf("action '%s' is missing required payload key: '%s'", a.Kind, key)
		}
	}
	return nil
}

// Allowed reports whether the kind appears in a step's allow-list after
// normalizing its entries.
func Allowed(k Kind, allow []string) bool {
	for _, raw := range allow {
		if c, ok := Normalize(raw); ok && c == k {
			return true
		}
	}
	return false
}
