package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Answers is what the wizard collected, split by the layer it belongs to
type Answers struct {
	Global  map[string]interface{}
	Project map[string]interface{}
}

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the shared settings and, optionally, the project settings
// of the current directory. current seeds the defaults shown in prompts.
func (w *Wizard) Run(current Effective) (*Answers, error) {
	fmt.Fprintln(w.out, "=== socket-file-sync configuration ===")
	fmt.Fprintln(w.out)

	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	answers := &Answers{
		Global:  map[string]interface{}{},
		Project: map[string]interface{}{},
	}

	// Secret
	for {
		prompt := "Shared secret"
		if current.Secret != "" {
			prompt += " (press Enter to keep the current one)"
		}
		secret, err := w.ask(prompt, "")
		if err != nil {
			return nil, err
		}
		if secret == "" && current.Secret == "" {
			fmt.Fprintln(w.out, "Error: a secret is required")
			continue
		}
		if secret != "" {
			answers.Global[KeySecret] = secret
		}
		break
	}

	server, err := w.ask("Server host", orDefault(current.Server, "localhost"))
	if err != nil {
		return nil, err
	}
	answers.Global[KeyServer] = server

	for {
		port, err := w.ask("Port", strconv.Itoa(orPort(current.Port)))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			fmt.Fprintf(w.out, "Error: invalid port %q\n", port)
			continue
		}
		answers.Global[KeyPort] = n
		break
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Project settings (saved next to the synchronized files):")

	serverDir, err := w.ask("Directory on the server to sync to (press Enter to skip)", current.ServerDir)
	if err != nil {
		return nil, err
	}
	if serverDir != "" {
		answers.Project[KeyServerDir] = serverDir
	}

	flags := []struct {
		key    string
		prompt string
		def    bool
	}{
		{KeyTwoWay, "Accept changes pushed by the other side?", current.TwoWay},
		{KeyDeleteOnRemote, "Delete files on the other side when deleted here?", current.DeleteOnRemote},
		{KeyDeleteByRemote, "Allow the other side to delete files here?", current.DeleteByRemote},
	}
	for _, f := range flags {
		v, err := w.confirm(f.prompt, f.def)
		if err != nil {
			return nil, err
		}
		answers.Project[f.key] = v
	}

	if err := validateLayer(validator.ValidateGlobal, answers.Global); err != nil {
		return nil, err
	}
	if err := validateLayer(validator.ValidateProject, answers.Project); err != nil {
		return nil, err
	}
	return answers, nil
}

func validateLayer(validate func([]byte) error, values map[string]interface{}) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode answers: %w", err)
	}
	return validate(data)
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) confirm(prompt string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(w.out, "%s (%s): ", prompt, hint)
	line, err := w.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// readLine reads a line from the input. EOF after partial input is
// accepted so piped answers without a trailing newline work.
func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orPort(p int) int {
	if p > 0 {
		return p
	}
	return DefaultPort
}
