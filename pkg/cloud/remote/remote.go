// Package remote controls application processes on nodes over a remote
// shell. It is shared by the cloud controllers that boot real instances.
//
// An application lives in its scaling group's folder in the remote user's
// home directory. It is started by wrapping the group's start script so
// that the pid of the last background process is written to a pid file,
// stopped with kill and checked with ps.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
)

// Shell runs commands and copies folders on a remote host.
type Shell interface {
	// Run executes command on host and returns its output lines.
	Run(ctx context.Context, host, command string) ([]string, error)

	// Upload copies the local directory localDir to remoteDir on host.
	Upload(ctx context.Context, host, localDir, remoteDir string) error

	// Download copies remoteDir on host into the local directory localDir.
	Download(ctx context.Context, host, remoteDir, localDir string) error
}

// Option configures an ApplicationController.
type Option func(*ApplicationController)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *ApplicationController) {
		c.logger = logger.With().Str("component", "cloud.remote").Logger()
	}
}

// WithApplicationsFolder makes StartApplication upload the scaling group's
// folder from dir before starting an application on a node.
func WithApplicationsFolder(dir string) Option {
	return func(c *ApplicationController) { c.applicationsFolder = dir }
}

// WithTempFolder sets the local folder used to stage migrations.
func WithTempFolder(dir string) Option {
	return func(c *ApplicationController) { c.tempFolder = dir }
}

// WithSleep replaces the wait between an application action and its check.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *ApplicationController) { c.sleep = sleep }
}

// ApplicationController starts, stops and migrates application processes.
type ApplicationController struct {
	shell              Shell
	logger             zerolog.Logger
	applicationsFolder string
	tempFolder         string
	sleep              func(ctx context.Context, d time.Duration) error
}

// NewApplicationController creates an ApplicationController running its
// commands through shell.
func NewApplicationController(shell Shell, opts ...Option) *ApplicationController {
	c := &ApplicationController{
		shell:  shell,
		logger: zerolog.Nop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartScript returns the command starting app inside the folder of sg and
// recording its pid.
func StartScript(app *model.Application, sg *model.ScalingGroup) string {
	policy := sg.Policy()
	script := fmt.Sprintf(
		"cd %s && echo ' echo $! > pid' > getpidcommand && cat %s getpidcommand > script.sh && chmod a+x script.sh && ./script.sh",
		quote(policy.ApplicationFolder), quote(policy.StartApplicationScript))
	for _, arg := range app.Arguments() {
		script += " " + quote(arg)
	}
	return script
}

// StartApplication implements the application part of cloud.Controller.
func (c *ApplicationController) StartApplication(ctx context.Context, app *model.Application, sg *model.ScalingGroup) (string, error) {
	return c.start(ctx, app, sg, c.applicationsFolder != "")
}

func (c *ApplicationController) start(ctx context.Context, app *model.Application, sg *model.ScalingGroup, upload bool) (string, error) {
	host, err := hostOf(app.Parent())
	if err != nil {
		return "", err
	}
	logger := c.logger.With().Str("application", app.ElementID()).Str("host", host).Logger()

	if upload {
		local := filepath.Join(c.applicationsFolder, sg.ApplicationFolder())
		if err := c.shell.Upload(ctx, host, local, sg.ApplicationFolder()); err != nil {
			return "", c.fail(logger, cloud.OpStartApplication, "failed to copy application", err)
		}
	}

	logger.Info().Msg("Starting application")
	if _, err := c.shell.Run(ctx, host, StartScript(app, sg)); err != nil {
		return "", c.fail(logger, cloud.OpStartApplication, "failed to run start script", err)
	}
	if err := c.sleep(ctx, sg.WaitTime()); err != nil {
		return "", err
	}

	lines, err := c.shell.Run(ctx, host, fmt.Sprintf("cd %s && head pid", quote(sg.ApplicationFolder())))
	if err != nil {
		return "", c.fail(logger, cloud.OpStartApplication, "failed to read pid file", err)
	}
	if len(lines) == 0 {
		logger.Warn().Msg("Pid file is empty")
		return "", nil
	}
	pid := strings.TrimSpace(lines[0])
	if !c.IsRunning(ctx, host, pid) {
		logger.Warn().Str("pid", pid).Msg("Application is not running after start")
		return "", nil
	}
	logger.Info().Str("pid", pid).Msg("Application started")
	return pid, nil
}

// TerminateApplication implements the application part of cloud.Controller.
func (c *ApplicationController) TerminateApplication(ctx context.Context, app *model.Application, sg *model.ScalingGroup) (bool, error) {
	host, err := hostOf(app.Parent())
	if err != nil {
		return false, err
	}
	pid := app.PID()
	logger := c.logger.With().Str("application", app.ElementID()).Str("host", host).Str("pid", pid).Logger()

	command := "kill " + quote(pid)
	if script := sg.Policy().TerminateApplicationScript; script != "" {
		command = fmt.Sprintf("cd %s && ./%s %s", quote(sg.ApplicationFolder()), quote(script), quote(pid))
	}

	logger.Info().Msg("Terminating application")
	if _, err := c.shell.Run(ctx, host, command); err != nil {
		logger.Warn().Err(err).Msg("Failed to terminate application")
		return false, nil
	}
	if err := c.sleep(ctx, sg.WaitTime()); err != nil {
		return false, err
	}
	return !c.IsRunning(ctx, host, pid), nil
}

// MigrateApplication stops app, copies its folder through a local staging
// folder to target and starts it there. The load-balancer membership is
// moved along.
func (c *ApplicationController) MigrateApplication(ctx context.Context, app *model.Application, target *model.Node, sg *model.ScalingGroup) (bool, error) {
	source, err := hostOf(app.Parent())
	if err != nil {
		return false, err
	}
	dest, err := hostOf(target)
	if err != nil {
		return false, err
	}
	logger := c.logger.With().Str("application", app.ElementID()).Str("source", source).Str("target", dest).Logger()

	stopped, err := c.TerminateApplication(ctx, app, sg)
	if err != nil || !stopped {
		return false, err
	}
	sg.RemoveApplication(app)

	staging, err := os.MkdirTemp(c.tempFolder, "capman-migrate-")
	if err != nil {
		return false, fmt.Errorf("failed to create staging folder: %w", err)
	}
	defer os.RemoveAll(staging)

	local := filepath.Join(staging, path.Base(sg.ApplicationFolder()))
	if err := c.shell.Download(ctx, source, sg.ApplicationFolder(), local); err != nil {
		return false, c.fail(logger, cloud.OpMigrateApplication, "failed to copy application from source", err)
	}
	if err := c.shell.Upload(ctx, dest, local, sg.ApplicationFolder()); err != nil {
		return false, c.fail(logger, cloud.OpMigrateApplication, "failed to copy application to target", err)
	}

	previous := app.Parent()
	app.SetParent(target)
	pid, err := c.start(ctx, app, sg, false)
	if err != nil || pid == "" {
		// Nothing runs on target, so the application stays on its old node.
		app.SetParent(previous)
		app.SetPID("")
		return false, err
	}
	app.SetPID(pid)
	sg.AddApplication(app)
	logger.Info().Str("pid", pid).Msg("Application migrated")
	return true, nil
}

// RestartApplication stops app and starts it again on the same node.
func (c *ApplicationController) RestartApplication(ctx context.Context, app *model.Application, sg *model.ScalingGroup) (bool, error) {
	stopped, err := c.TerminateApplication(ctx, app, sg)
	if err != nil || !stopped {
		return false, err
	}
	pid, err := c.StartApplication(ctx, app, sg)
	if err != nil {
		return false, err
	}
	app.SetPID(pid)
	return pid != "", nil
}

// IsRunning reports whether pid is alive on host. ps prints a header line
// plus one line per matching process.
func (c *ApplicationController) IsRunning(ctx context.Context, host, pid string) bool {
	if pid == "" {
		return false
	}
	lines, err := c.shell.Run(ctx, host, "ps "+quote(pid))
	if err != nil {
		c.logger.Debug().Err(err).Str("host", host).Str("pid", pid).Msg("ps failed")
		return false
	}
	return len(lines) == 2
}

// fail turns a shell error into the controller contract: transient
// failures are a failed attempt, anything else is a hard fault.
func (c *ApplicationController) fail(logger zerolog.Logger, op, msg string, err error) error {
	if isTemporary(err) {
		logger.Warn().Err(err).Msg(msg)
		return nil
	}
	return cloud.NewPermanentError(msg, err).WithOperation(op)
}

func isTemporary(err error) bool {
	if cloud.IsTransient(err) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func hostOf(n *model.Node) (string, error) {
	if n == nil {
		return "", cloud.NewPermanentError("application has no parent node", nil)
	}
	ip := n.IPAddress()
	if ip == "" {
		return "", fmt.Errorf("node %s: %w", n.Hostname(), cloud.ErrNoIPAddress)
	}
	return ip, nil
}

// quote wraps s in single quotes unless it only holds characters the
// shell leaves alone.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
