// Package jobscript renders Slurm batch scripts from a Spec. It does no I/O.
package jobscript

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Spec fully determines the rendered script. Equal Specs yield identical text.
type Spec struct {
	RemoteDir    string
	JobName      string
	OutputLog    string // defaults to job_output_%j.log
	Nodes        int
	TasksPerNode int
	TimeLimit    time.Duration
	Partition    string

	Modules       []string
	Compiler      string
	CompilerFlags []string
	Source        string // remote path of the unit to compile
	Binary        string
	Threads       int

	ArtifactSuffix string

	// Inputs are the remote paths of every uploaded input, in upload order.
	Inputs []string
}

// ErrInvalidSpec is wrapped by every validation failure.
var ErrInvalidSpec = errors.New("invalid job spec")

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "job spec: missing required field " + e.Field
}

func (e *MissingFieldError) Unwrap() error { return ErrInvalidSpec }

// Validate reports the first missing required field.
func (s Spec) Validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"RemoteDir", strings.TrimSpace(s.RemoteDir) != ""},
		{"JobName", strings.TrimSpace(s.JobName) != ""},
		{"Nodes", s.Nodes > 0},
		{"TasksPerNode", s.TasksPerNode > 0},
		{"TimeLimit", s.TimeLimit > 0},
		{"Partition", strings.TrimSpace(s.Partition) != ""},
		{"Compiler", strings.TrimSpace(s.Compiler) != ""},
		{"Source", strings.TrimSpace(s.Source) != ""},
		{"Binary", strings.TrimSpace(s.Binary) != ""},
		{"ArtifactSuffix", strings.TrimSpace(s.ArtifactSuffix) != ""},
	}
	for _, r := range required {
		if !r.ok {
			return &MissingFieldError{Field: r.name}
		}
	}
	if strings.ContainsAny(s.Binary, "/ \t\n") {
		return fmt.Errorf("%w: binary %q must be a bare file name", ErrInvalidSpec, s.Binary)
	}
	return nil
}

// FormatTimeLimit renders d as Slurm's [D-]HH:MM:SS, rounding up to the second.
func FormatTimeLimit(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := secs / 86400
	secs %= 86400
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// DefaultTemplate reproduces the cluster's reference compile-and-run script.
const DefaultTemplate = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --output={{.OutputLog}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --tasks-per-node={{.TasksPerNode}}
#SBATCH --time={{timelimit .TimeLimit}}
#SBATCH --partition={{.Partition}}

if [ -f ~/.bash_profile ]; then
    source ~/.bash_profile
fi

module purge
{{- range .Modules}}
module load {{.}}
{{- end}}

cd $SLURM_SUBMIT_DIR
export JOB_INPUTS={{quote (join .Inputs " ")}}
{{.Compiler}}{{range .CompilerFlags}} {{quote .}}{{end}} {{quote .Source}} -o {{quote .Binary}} &> compile_output.log
chmod +x {{quote .Binary}}
export OMP_NUM_THREADS={{.Threads}}
srun ./{{.Binary}}
mv *{{.ArtifactSuffix}} $SLURM_SUBMIT_DIR/ 2>/dev/null || echo "No {{.ArtifactSuffix}} files found to move."
echo "Job completed successfully!"
`

var funcs = template.FuncMap{
	"quote":     Quote,
	"join":      strings.Join,
	"timelimit": FormatTimeLimit,
}

// Renderer holds a parsed template.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses text; an empty text selects DefaultTemplate.
func NewRenderer(text string) (*Renderer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("jobscript").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse job script template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

var defaultRenderer = func() *Renderer {
	r, err := NewRenderer(DefaultTemplate)
	if err != nil {
		panic(err)
	}
	return r
}()

// Render renders spec with DefaultTemplate.
func Render(spec Spec) (string, error) {
	return defaultRenderer.Render(spec)
}

func (r *Renderer) Render(spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if spec.OutputLog == "" {
		spec.OutputLog = "job_output_%j.log"
	}
	if spec.Threads <= 0 {
		spec.Threads = 1
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	return buf.String(), nil
}
