package openstack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openfroyo/capman/pkg/cloud"
)

// Runner executes nova CLI commands and returns their output lines.
type Runner interface {
	Nova(ctx context.Context, args ...string) ([]string, error)
}

// CLIRunner runs the nova binary on the local machine. Credentials are
// taken from the environment (OS_USERNAME, OS_AUTH_URL, ...).
type CLIRunner struct {
	// Binary is the nova executable, "nova" when empty.
	Binary string

	// Env is appended to the process environment.
	Env []string
}

// Nova implements Runner.
func (r CLIRunner) Nova(ctx context.Context, args ...string) ([]string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "nova"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, cloud.NewPermanentError("nova client not installed", err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "nova " + strings.Join(args, " ") + " failed"
		}
		return nil, cloud.NewTransientError(msg, err)
	}
	return strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n"), nil
}

// table is a parsed nova ASCII table.
type table struct {
	header []string
	rows   [][]string
}

// parseTable reads the "| a | b |" rows of nova output. The first row is
// the header, border lines are skipped.
func parseTable(lines []string) table {
	var t table
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		parts := strings.Split(strings.Trim(line, "|"), "|")
		cells := make([]string, len(parts))
		for i, p := range parts {
			cells[i] = strings.TrimSpace(p)
		}
		if t.header == nil {
			t.header = cells
			continue
		}
		t.rows = append(t.rows, cells)
	}
	return t
}

// column returns the index of the header cell named name, or -1.
func (t table) column(name string) int {
	for i, h := range t.header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// get returns the cell of row in the named column.
func (t table) get(row []string, name string) string {
	i := t.column(name)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// properties turns a two-column "Property | Value" table into a map.
func (t table) properties() map[string]string {
	props := make(map[string]string, len(t.rows))
	for _, row := range t.rows {
		if len(row) >= 2 {
			props[strings.ToLower(row[0])] = row[1]
		}
	}
	return props
}

// instance is a row of "nova list".
type instance struct {
	ID       string
	Name     string
	Status   string
	Networks string
}

func parseInstances(lines []string) []instance {
	t := parseTable(lines)
	out := make([]instance, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, instance{
			ID:       t.get(row, "ID"),
			Name:     t.get(row, "Name"),
			Status:   t.get(row, "Status"),
			Networks: t.get(row, "Networks"),
		})
	}
	return out
}

// stripID removes a trailing " (id)" from values like "m1.small (2)".
func stripID(value string) string {
	if i := strings.Index(value, " ("); i >= 0 {
		return value[:i]
	}
	return value
}

func bootArgs(hostname, image, flavor, keyName string) []string {
	args := []string{"boot", hostname, "--image", image, "--flavor", flavor}
	if keyName != "" {
		args = append(args, "--key_name", keyName)
	}
	return args
}

func errBoot(hostname string, props map[string]string) error {
	return fmt.Errorf("boot of %s returned id %q with status %q", hostname, props["id"], props["status"])
}
