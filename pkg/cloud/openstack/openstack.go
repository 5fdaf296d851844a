// Package openstack implements cloud.Controller on top of the OpenStack
// nova command line client. Nodes are booted, rebooted, imaged and deleted
// through nova; applications are controlled over SSH by package remote.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/cloud/remote"
	"github.com/openfroyo/capman/pkg/model"
)

// Config holds the nova settings of the controller.
type Config struct {
	// KeyPairName is passed to nova boot as --key_name.
	KeyPairName string `json:"key_pair_name" yaml:"key_pair_name"`

	// Network is the nova network whose address is the node's private IP.
	Network string `json:"network" yaml:"network"`

	// BootWait is slept after boot and reboot, and between IP lookups.
	BootWait time.Duration `json:"boot_wait" yaml:"boot_wait"`

	// PollAttempts bounds the instance, console and IP polls.
	PollAttempts int `json:"poll_attempts" yaml:"poll_attempts"`

	// PollInterval is the pause between console log polls.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// ImagePollAttempts bounds the wait for a snapshot to become active.
	ImagePollAttempts int `json:"image_poll_attempts" yaml:"image_poll_attempts"`

	// ImagePollInterval is the pause between image list polls.
	ImagePollInterval time.Duration `json:"image_poll_interval" yaml:"image_poll_interval"`
}

// DefaultConfig returns the nova settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Network:           "vmnet",
		BootWait:          30 * time.Second,
		PollAttempts:      5,
		PollInterval:      5 * time.Second,
		ImagePollAttempts: 10,
		ImagePollInterval: 15 * time.Second,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "cloud.openstack").Logger()
	}
}

// WithSleep replaces the wait between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller drives an OpenStack cloud.
type Controller struct {
	*remote.ApplicationController

	nova   Runner
	config Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ cloud.Controller = (*Controller)(nil)

// New creates a Controller running nova commands through nova and
// application commands through apps.
func New(cfg Config, nova Runner, apps *remote.ApplicationController, opts ...Option) *Controller {
	if cfg.Network == "" {
		cfg.Network = "vmnet"
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 1
	}
	if cfg.ImagePollAttempts <= 0 {
		cfg.ImagePollAttempts = 1
	}
	c := &Controller{
		ApplicationController: apps,
		nova:                  nova,
		config:                cfg,
		logger:                zerolog.Nop(),
		sleep:                 sleepContext,
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

// StartNode implements cloud.Controller.
func (c *Controller) StartNode(ctx context.Context, group *model.NodeGroup, node *model.Node) (string, error) {
	spec := node.Spec()
	logger := c.logger.With().Str("node", spec.Hostname).Str("group", group.Name()).Logger()

	id, err := c.boot(ctx, spec)
	if err != nil {
		return "", c.fail(logger, cloud.OpStartNode, "failed to boot instance", err)
	}
	node.SetInstanceID(id)

	if err := c.sleep(ctx, c.config.BootWait); err != nil {
		return "", err
	}

	ip, err := c.privateIP(ctx, id)
	if err != nil {
		return "", c.fail(logger, cloud.OpStartNode, "failed to read private ip", err)
	}
	if ip == "" {
		logger.Warn().Str("instance_id", id).Msg("Private IP address not available")
		return "", nil
	}
	logger.Info().Str("ip", ip).Str("instance_id", id).Msg("Node started")
	return ip, nil
}

// TerminateNode implements cloud.Controller. A node whose instance is
// already gone counts as terminated.
func (c *Controller) TerminateNode(ctx context.Context, node *model.Node) (bool, error) {
	hostname := node.Hostname()
	logger := c.logger.With().Str("node", hostname).Logger()

	exists, err := c.exists(ctx, hostname)
	if err != nil {
		return false, c.fail(logger, cloud.OpTerminateNode, "failed to list instances", err)
	}
	if exists {
		logger.Info().Msg("Deleting node")
		if _, err := c.nova.Nova(ctx, "delete", hostname); err != nil {
			return false, c.fail(logger, cloud.OpTerminateNode, "failed to delete instance", err)
		}
	}

	for i := 0; i < c.config.PollAttempts; i++ {
		exists, err = c.exists(ctx, hostname)
		if err != nil {
			return false, c.fail(logger, cloud.OpTerminateNode, "failed to list instances", err)
		}
		if !exists {
			logger.Info().Msg("Node shut down")
			return true, nil
		}
		if err := c.sleep(ctx, c.config.PollInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// RestartNode implements cloud.Controller.
func (c *Controller) RestartNode(ctx context.Context, node *model.Node) (bool, error) {
	hostname := node.Hostname()
	logger := c.logger.With().Str("node", hostname).Logger()

	logger.Info().Msg("Restarting node")
	if _, err := c.nova.Nova(ctx, "reboot", hostname); err != nil {
		return false, c.fail(logger, cloud.OpRestartNode, "failed to reboot instance", err)
	}
	if err := c.sleep(ctx, c.config.BootWait); err != nil {
		return false, err
	}
	exists, err := c.exists(ctx, hostname)
	if err != nil {
		return false, c.fail(logger, cloud.OpRestartNode, "failed to list instances", err)
	}
	return exists, nil
}

// ReplicateNode implements cloud.Controller. The original is snapshotted
// to "<hostname>Image" and the replica is booted from that image with the
// original's flavor. A replica that booted but never came up is deleted.
func (c *Controller) ReplicateNode(ctx context.Context, group *model.NodeGroup, original *model.Node) (*model.Node, error) {
	source := original.Hostname()
	logger := c.logger.With().Str("node", source).Str("group", group.Name()).Logger()

	image, err := c.createImage(ctx, source)
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to create image", err)
	}
	if image == "" {
		logger.Error().Msg("Image did not become active")
		return nil, nil
	}

	flavor, err := c.flavorOf(ctx, original)
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to read flavor", err)
	}

	spec := model.NodeSpec{Hostname: group.NextHostname(source), Image: image, Flavor: flavor}
	logger = logger.With().Str("replica", spec.Hostname).Logger()

	id, err := c.boot(ctx, spec)
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to boot replica", err)
	}
	replica := model.NewNode(spec)
	replica.SetInstanceID(id)

	ip, err := c.awaitReplica(ctx, spec.Hostname, id)
	if err != nil || ip == "" {
		logger.Warn().Err(err).Msg("Replica did not come up, deleting it")
		if _, derr := c.TerminateNode(ctx, replica); derr != nil {
			logger.Error().Err(derr).Msg("Failed to delete replica")
		}
		if err != nil {
			return nil, c.fail(logger, cloud.OpReplicateNode, "failed to start replica", err)
		}
		return nil, nil
	}

	replica.SetIPAddress(ip)
	logger.Info().Str("ip", ip).Msg("Node replicated")
	return replica, nil
}

func (c *Controller) awaitReplica(ctx context.Context, hostname, id string) (string, error) {
	started, err := c.awaitConsole(ctx, hostname)
	if err != nil || !started {
		return "", err
	}
	return c.privateIP(ctx, id)
}

// RetrieveRunningNodeCount implements cloud.Controller. It counts the
// ACTIVE instances of "nova list".
func (c *Controller) RetrieveRunningNodeCount(ctx context.Context) (int, error) {
	lines, err := c.nova.Nova(ctx, "list")
	if err != nil {
		return 0, cloud.NewTransientError("failed to list instances", err).WithOperation(cloud.OpRetrieveRunningNodeCount)
	}
	count := 0
	for _, inst := range parseInstances(lines) {
		if inst.Status == "ACTIVE" {
			count++
		}
	}
	return count, nil
}

func (c *Controller) boot(ctx context.Context, spec model.NodeSpec) (string, error) {
	c.logger.Info().Str("node", spec.Hostname).Str("image", spec.Image).Str("flavor", spec.Flavor).Msg("Booting instance")
	lines, err := c.nova.Nova(ctx, bootArgs(spec.Hostname, spec.Image, spec.Flavor, c.config.KeyPairName)...)
	if err != nil {
		return "", err
	}
	props := parseTable(lines).properties()
	id := props["id"]
	if id == "" || strings.EqualFold(props["status"], "error") {
		return "", cloud.NewTransientError("instance boot failed", errBoot(spec.Hostname, props))
	}
	return id, nil
}

// privateIP polls "nova show" until the instance has an address on the
// configured network.
func (c *Controller) privateIP(ctx context.Context, id string) (string, error) {
	key := strings.ToLower(c.config.Network) + " network"
	for i := 0; i < c.config.PollAttempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.config.BootWait); err != nil {
				return "", err
			}
		}
		lines, err := c.nova.Nova(ctx, "show", id)
		if err != nil {
			return "", err
		}
		if ip := parseTable(lines).properties()[key]; ip != "" {
			// Instances with a floating IP list "private, floating".
			ip, _, _ = strings.Cut(ip, ",")
			return strings.TrimSpace(ip), nil
		}
	}
	return "", nil
}

func (c *Controller) exists(ctx context.Context, hostname string) (bool, error) {
	lines, err := c.nova.Nova(ctx, "list")
	if err != nil {
		return false, err
	}
	for _, inst := range parseInstances(lines) {
		if inst.Name == hostname && inst.Status == "ACTIVE" {
			return true, nil
		}
	}
	return false, nil
}

// createImage snapshots hostname and waits for the image to become
// ACTIVE. It returns an empty name if it never did.
func (c *Controller) createImage(ctx context.Context, hostname string) (string, error) {
	image := hostname + "Image"
	c.logger.Info().Str("node", hostname).Str("image", image).Msg("Creating image")
	if _, err := c.nova.Nova(ctx, "image-create", hostname, image); err != nil {
		return "", err
	}
	for i := 0; i < c.config.ImagePollAttempts; i++ {
		if err := c.sleep(ctx, c.config.ImagePollInterval); err != nil {
			return "", err
		}
		lines, err := c.nova.Nova(ctx, "image-list")
		if err != nil {
			return "", err
		}
		t := parseTable(lines)
		for _, row := range t.rows {
			if t.get(row, "Name") == image && t.get(row, "Status") == "ACTIVE" {
				return image, nil
			}
		}
	}
	return "", nil
}

func (c *Controller) flavorOf(ctx context.Context, node *model.Node) (string, error) {
	if flavor := node.Flavor(); flavor != "" {
		return flavor, nil
	}
	ref := node.InstanceID()
	if ref == "" {
		ref = node.Hostname()
	}
	lines, err := c.nova.Nova(ctx, "show", ref)
	if err != nil {
		return "", err
	}
	flavor := stripID(parseTable(lines).properties()["flavor"])
	if flavor == "" {
		return "", cloud.NewPermanentError("instance has no flavor", nil).WithResource(ref)
	}
	return flavor, nil
}

// awaitConsole polls the console log until cloud-init reports it has
// finished.
func (c *Controller) awaitConsole(ctx context.Context, hostname string) (bool, error) {
	c.logger.Info().Str("node", hostname).Msg("Waiting for instance to start")
	for i := 0; i < c.config.PollAttempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.config.PollInterval); err != nil {
				return false, err
			}
		}
		lines, err := c.nova.Nova(ctx, "console-log", "--length", "10", hostname)
		if err != nil {
			// nova refuses console-log until the instance is ready.
			if cloud.IsTransient(err) {
				continue
			}
			return false, err
		}
		for _, line := range lines {
			if strings.Contains(strings.ToLower(line), "finished at ") {
				return true, nil
			}
		}
	}
	return false, nil
}

// fail maps a nova error onto the controller contract: transient errors
// are a failed attempt, anything else is a hard fault.
func (c *Controller) fail(logger zerolog.Logger, op, msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cloud.IsTransient(err) {
		logger.Warn().Err(err).Msg(msg)
		return nil
	}
	var cerr *cloud.CloudError
	if errors.As(err, &cerr) {
		if cerr.Operation == "" {
			cerr.WithOperation(op)
		}
		return cerr
	}
	return cloud.NewPermanentError(msg, fmt.Errorf("%s: %w", op, err)).WithOperation(op)
}
