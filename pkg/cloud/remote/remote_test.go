package remote

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
)

// fakeShell simulates processes per host. Commands are matched by prefix.
type fakeShell struct {
	mu        sync.Mutex
	commands  []string
	running   map[string]bool // host/pid
	nextPID   int
	runErr    error
	uploads   []string
	downloads []string
	startDies bool
}

func newFakeShell() *fakeShell {
	return &fakeShell{running: make(map[string]bool), nextPID: 4242}
}

func (f *fakeShell) Run(ctx context.Context, host, command string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, host+": "+command)
	if f.runErr != nil {
		return nil, f.runErr
	}

	switch {
	case strings.Contains(command, "./script.sh"):
		if !f.startDies {
			f.running[host+"/"+strconv.Itoa(f.nextPID)] = true
		}
		return nil, nil
	case strings.HasSuffix(command, "head pid"):
		return []string{strconv.Itoa(f.nextPID)}, nil
	case strings.HasPrefix(command, "kill "):
		delete(f.running, host+"/"+strings.TrimPrefix(command, "kill "))
		return nil, nil
	case strings.HasPrefix(command, "ps "):
		pid := strings.TrimPrefix(command, "ps ")
		if f.running[host+"/"+pid] {
			return []string{"  PID TTY      STAT   TIME COMMAND", " " + pid + " ?  S  0:00 java"}, nil
		}
		return []string{"  PID TTY      STAT   TIME COMMAND"}, nil
	}
	return nil, nil
}

func (f *fakeShell) Upload(ctx context.Context, host, localDir, remoteDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, host+":"+remoteDir)
	return nil
}

func (f *fakeShell) Download(ctx context.Context, host, remoteDir, localDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, host+":"+remoteDir)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func fixture() (*model.Node, *model.Application, *model.ScalingGroup) {
	node := model.NewNode(model.NodeSpec{Hostname: "node1", Image: "ubuntu", Flavor: "small"})
	node.SetIPAddress("10.0.0.5")
	app := model.NewApplication("app1", "worker", "--port", "8080")
	app.SetParent(node)
	sg := model.NewScalingGroup(model.ScalingPolicy{
		Name:                         "worker",
		ApplicationFolder:            "worker",
		StartApplicationScript:       "start.sh",
		WaitTimeForApplicationAction: time.Second,
	})
	return node, app, sg
}

func TestStartScript(t *testing.T) {
	_, app, sg := fixture()
	want := "cd worker && echo ' echo $! > pid' > getpidcommand && cat start.sh getpidcommand > script.sh && chmod a+x script.sh && ./script.sh --port 8080"
	if got := StartScript(app, sg); got != want {
		t.Errorf("StartScript() =\n%s\nwant\n%s", got, want)
	}

	quoted := model.NewApplication("app2", "worker", "hello world")
	if got := StartScript(quoted, sg); !strings.HasSuffix(got, "./script.sh 'hello world'") {
		t.Errorf("StartScript() did not quote argument: %s", got)
	}
}

func TestStartApplication(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep))
	_, app, sg := fixture()

	pid, err := c.StartApplication(t.Context(), app, sg)
	if err != nil {
		t.Fatalf("StartApplication() error = %v", err)
	}
	if pid != "4242" {
		t.Errorf("pid = %q, want 4242", pid)
	}
	if len(shell.commands) != 3 {
		t.Fatalf("commands = %v, want start, head and ps", shell.commands)
	}
	if shell.commands[1] != "10.0.0.5: cd worker && head pid" {
		t.Errorf("second command = %q", shell.commands[1])
	}
}

func TestStartApplication_NotRunning(t *testing.T) {
	shell := newFakeShell()
	shell.startDies = true
	c := NewApplicationController(shell, WithSleep(noSleep))
	_, app, sg := fixture()

	pid, err := c.StartApplication(t.Context(), app, sg)
	if err != nil || pid != "" {
		t.Errorf("StartApplication() = %q, %v, want empty pid and nil error", pid, err)
	}
}

func TestStartApplication_UploadsFolder(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep), WithApplicationsFolder("/srv/apps"))
	_, app, sg := fixture()

	if _, err := c.StartApplication(t.Context(), app, sg); err != nil {
		t.Fatalf("StartApplication() error = %v", err)
	}
	if len(shell.uploads) != 1 || shell.uploads[0] != "10.0.0.5:worker" {
		t.Errorf("uploads = %v", shell.uploads)
	}
}

func TestStartApplication_ShellErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantFault bool
	}{
		{"transient", cloud.NewTransientError("connection reset", nil), false},
		{"permanent", errors.New("auth failed"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell := newFakeShell()
			shell.runErr = tt.err
			c := NewApplicationController(shell, WithSleep(noSleep))
			_, app, sg := fixture()

			pid, err := c.StartApplication(t.Context(), app, sg)
			if pid != "" {
				t.Errorf("pid = %q, want empty", pid)
			}
			if (err != nil) != tt.wantFault {
				t.Errorf("error = %v, want fault %v", err, tt.wantFault)
			}
		})
	}
}

func TestStartApplication_NoIPAddress(t *testing.T) {
	c := NewApplicationController(newFakeShell(), WithSleep(noSleep))
	_, app, sg := fixture()
	app.SetParent(model.NewNode(model.NodeSpec{Hostname: "node2"}))

	if _, err := c.StartApplication(t.Context(), app, sg); !errors.Is(err, cloud.ErrNoIPAddress) {
		t.Errorf("error = %v, want ErrNoIPAddress", err)
	}
}

func TestTerminateApplication(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep))
	_, app, sg := fixture()

	pid, _ := c.StartApplication(t.Context(), app, sg)
	app.SetPID(pid)

	ok, err := c.TerminateApplication(t.Context(), app, sg)
	if err != nil || !ok {
		t.Fatalf("TerminateApplication() = %v, %v", ok, err)
	}
	if c.IsRunning(t.Context(), "10.0.0.5", pid) {
		t.Error("process still running")
	}
}

func TestTerminateApplication_UsesTerminateScript(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep))
	_, app, _ := fixture()
	app.SetPID("77")
	sg := model.NewScalingGroup(model.ScalingPolicy{
		Name:                       "worker",
		ApplicationFolder:          "worker",
		StartApplicationScript:     "start.sh",
		TerminateApplicationScript: "stop.sh",
	})

	if _, err := c.TerminateApplication(t.Context(), app, sg); err != nil {
		t.Fatalf("TerminateApplication() error = %v", err)
	}
	if shell.commands[0] != "10.0.0.5: cd worker && ./stop.sh 77" {
		t.Errorf("command = %q", shell.commands[0])
	}
}

func TestMigrateApplication(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep), WithTempFolder(t.TempDir()))
	_, app, sg := fixture()
	target := model.NewNode(model.NodeSpec{Hostname: "node2"})
	target.SetIPAddress("10.0.0.6")

	pid, _ := c.StartApplication(t.Context(), app, sg)
	app.SetPID(pid)
	sg.AddApplication(app)

	ok, err := c.MigrateApplication(t.Context(), app, target, sg)
	if err != nil || !ok {
		t.Fatalf("MigrateApplication() = %v, %v", ok, err)
	}
	if app.Parent() != target {
		t.Error("parent not moved")
	}
	if !c.IsRunning(t.Context(), "10.0.0.6", app.PID()) {
		t.Error("application not running on target")
	}
	if !sg.HasApplication(app) {
		t.Error("application not in load balancer after migration")
	}
	if len(shell.downloads) != 1 || shell.downloads[0] != "10.0.0.5:worker" {
		t.Errorf("downloads = %v", shell.downloads)
	}
	if len(shell.uploads) != 1 || shell.uploads[0] != "10.0.0.6:worker" {
		t.Errorf("uploads = %v", shell.uploads)
	}
}

func TestMigrateApplication_StartFailsKeepsParent(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep), WithTempFolder(t.TempDir()))
	source, app, sg := fixture()
	target := model.NewNode(model.NodeSpec{Hostname: "node2"})
	target.SetIPAddress("10.0.0.6")

	pid, _ := c.StartApplication(t.Context(), app, sg)
	app.SetPID(pid)
	sg.AddApplication(app)
	shell.startDies = true

	ok, err := c.MigrateApplication(t.Context(), app, target, sg)
	if err != nil || ok {
		t.Fatalf("MigrateApplication() = %v, %v, want false and nil error", ok, err)
	}
	if app.Parent() != source {
		t.Errorf("parent = %v, want the source node", app.Parent())
	}
	if app.PID() != "" {
		t.Errorf("pid = %q, want empty after the stop on the source", app.PID())
	}
	if sg.HasApplication(app) {
		t.Error("application in load balancer although nothing runs")
	}
}

func TestRestartApplication(t *testing.T) {
	shell := newFakeShell()
	c := NewApplicationController(shell, WithSleep(noSleep))
	_, app, sg := fixture()

	pid, _ := c.StartApplication(t.Context(), app, sg)
	app.SetPID(pid)

	ok, err := c.RestartApplication(t.Context(), app, sg)
	if err != nil || !ok {
		t.Fatalf("RestartApplication() = %v, %v", ok, err)
	}
	if app.PID() == "" {
		t.Error("pid cleared")
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":            "''",
		"plain":       "plain",
		"--port=8080": "--port=8080",
		"two words":   "'two words'",
		"it's":        `'it'"'"'s'`,
		"$(rm -rf /)": "'$(rm -rf /)'",
	}
	for in, want := range tests {
		if got := quote(in); got != want {
			t.Errorf("quote(%q) = %q, want %q", in, got, want)
		}
	}
}
