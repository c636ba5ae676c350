// Package listener owns the interactive terminal: a readline prompt
// that background goroutines can print above without corrupting the
// line being typed.
package listener

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

var (
	mu sync.Mutex
	rl *readline.Instance
)

func Init() error {
	var err error
	rl, err = readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "",
		EOFPrompt:       "",
	})
	return err
}

func Close() {
	if rl != nil {
		_ = rl.Close()
	}
}

// GetInput blocks for one line of user input.
func GetInput() string {
	if rl == nil {
		return ""
	}
	line, err := rl.Readline()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// AsyncPrintln prints a line above the active prompt. Safe from any
// goroutine.
func AsyncPrintln(s string) {
	mu.Lock()
	defer mu.Unlock()
	if rl == nil {
		fmt.Println(s)
		return
	}
	_, _ = rl.Write([]byte("\r\n" + s + "\r\n"))
	rl.Refresh()
}

// Ask swaps the prompt, reads one line and restores the prompt.
func Ask(prompt string) string {
	mu.Lock()
	old := rl.Config.Prompt
	rl.SetPrompt(prompt)
	mu.Unlock()

	line, err := rl.Readline()
	if err != nil {
		line = ""
	}

	mu.Lock()
	rl.SetPrompt(old)
	mu.Unlock()
	return strings.TrimSpace(line)
}

// AskYesNo loops until the user answers y or n.
func AskYesNo(question string) bool {
	AsyncPrintln(question + " [y/n]")
	for {
		switch strings.ToLower(Ask("> ")) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		AsyncPrintln("Please answer y/n.")
	}
}
