// Package ec2 implements cloud.Controller on Amazon EC2. Node images are
// AMI ids and flavors are instance types. Every instance started by the
// controller carries a Name tag with the node hostname and a group tag
// with the node group, which is how nodes are found again and counted.
// Applications are controlled over SSH by package remote.
package ec2

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	ec2svc "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/cloud/remote"
	"github.com/openfroyo/capman/pkg/model"
)

const (
	// TagName holds the node hostname.
	TagName = "Name"

	// TagGroup holds the node group name.
	TagGroup = "capman:group"
)

// API is the subset of the EC2 API used by the controller.
type API interface {
	RunInstancesWithContext(aws.Context, *ec2svc.RunInstancesInput, ...request.Option) (*ec2svc.Reservation, error)
	WaitUntilInstanceRunningWithContext(aws.Context, *ec2svc.DescribeInstancesInput, ...request.WaiterOption) error
	DescribeInstancesWithContext(aws.Context, *ec2svc.DescribeInstancesInput, ...request.Option) (*ec2svc.DescribeInstancesOutput, error)
	DescribeInstancesPagesWithContext(aws.Context, *ec2svc.DescribeInstancesInput, func(*ec2svc.DescribeInstancesOutput, bool) bool, ...request.Option) error
	TerminateInstancesWithContext(aws.Context, *ec2svc.TerminateInstancesInput, ...request.Option) (*ec2svc.TerminateInstancesOutput, error)
	WaitUntilInstanceTerminatedWithContext(aws.Context, *ec2svc.DescribeInstancesInput, ...request.WaiterOption) error
	RebootInstancesWithContext(aws.Context, *ec2svc.RebootInstancesInput, ...request.Option) (*ec2svc.RebootInstancesOutput, error)
	CreateImageWithContext(aws.Context, *ec2svc.CreateImageInput, ...request.Option) (*ec2svc.CreateImageOutput, error)
	WaitUntilImageAvailableWithContext(aws.Context, *ec2svc.DescribeImagesInput, ...request.WaiterOption) error
}

// Config holds the EC2 settings of the controller.
type Config struct {
	// Region is the AWS region, e.g. eu-central-1.
	Region string `json:"region" yaml:"region"`

	// SubnetID places instances in a VPC subnet.
	SubnetID string `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`

	// SecurityGroupIDs are attached to every instance.
	SecurityGroupIDs []string `json:"security_group_ids,omitempty" yaml:"security_group_ids,omitempty"`

	// KeyPairName is the EC2 key pair installed on instances.
	KeyPairName string `json:"key_pair_name,omitempty" yaml:"key_pair_name,omitempty"`

	// BootWait is slept after a reboot before the instance is checked.
	BootWait time.Duration `json:"boot_wait" yaml:"boot_wait"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "cloud.ec2").Logger()
	}
}

// WithSleep replaces the wait after reboots.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller drives EC2 instances.
type Controller struct {
	*remote.ApplicationController

	api    API
	config Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ cloud.Controller = (*Controller)(nil)

// New creates a Controller on api.
func New(cfg Config, api API, apps *remote.ApplicationController, opts ...Option) *Controller {
	c := &Controller{
		ApplicationController: apps,
		api:                   api,
		config:                cfg,
		logger:                zerolog.Nop(),
		sleep:                 sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a Controller with an EC2 client for cfg.Region
// using the default AWS credential chain.
func NewFromConfig(cfg Config, apps *remote.ApplicationController, opts ...Option) (*Controller, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, cloud.NewPermanentError("failed to create AWS session", err)
	}
	return New(cfg, ec2svc.New(sess), apps, opts...), nil
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

// StartNode implements cloud.Controller. It waits for the instance to be
// running before returning its private IP.
func (c *Controller) StartNode(ctx context.Context, group *model.NodeGroup, node *model.Node) (string, error) {
	spec := node.Spec()
	logger := c.logger.With().Str("node", spec.Hostname).Str("group", group.Name()).Logger()

	inst, err := c.run(ctx, group.Name(), spec)
	if err != nil {
		return "", c.fail(logger, cloud.OpStartNode, "failed to start instance", err)
	}
	if inst == nil {
		return "", nil
	}
	node.SetInstanceID(inst.id)
	if inst.ip == "" {
		logger.Warn().Str("instance_id", inst.id).Msg("Instance has no private IP address")
		return "", nil
	}
	logger.Info().Str("ip", inst.ip).Str("instance_id", inst.id).Msg("Node started")
	return inst.ip, nil
}

// TerminateNode implements cloud.Controller. A node without a known
// instance counts as terminated.
func (c *Controller) TerminateNode(ctx context.Context, node *model.Node) (bool, error) {
	logger := c.logger.With().Str("node", node.Hostname()).Logger()

	id, err := c.instanceID(ctx, node)
	if err != nil {
		return false, c.fail(logger, cloud.OpTerminateNode, "failed to look up instance", err)
	}
	if id == "" {
		logger.Info().Msg("No instance to terminate")
		return true, nil
	}

	logger.Info().Str("instance_id", id).Msg("Terminating instance")
	_, err = c.api.TerminateInstancesWithContext(ctx, &ec2svc.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if isNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, c.fail(logger, cloud.OpTerminateNode, "failed to terminate instance", err)
	}

	err = c.api.WaitUntilInstanceTerminatedWithContext(ctx, &ec2svc.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return false, c.fail(logger, cloud.OpTerminateNode, "instance did not terminate", err)
	}
	logger.Info().Str("instance_id", id).Msg("Node shut down")
	return true, nil
}

// RestartNode implements cloud.Controller.
func (c *Controller) RestartNode(ctx context.Context, node *model.Node) (bool, error) {
	logger := c.logger.With().Str("node", node.Hostname()).Logger()

	id, err := c.instanceID(ctx, node)
	if err != nil {
		return false, c.fail(logger, cloud.OpRestartNode, "failed to look up instance", err)
	}
	if id == "" {
		logger.Warn().Msg("No instance to restart")
		return false, nil
	}

	logger.Info().Str("instance_id", id).Msg("Rebooting instance")
	if _, err := c.api.RebootInstancesWithContext(ctx, &ec2svc.RebootInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	}); err != nil {
		return false, c.fail(logger, cloud.OpRestartNode, "failed to reboot instance", err)
	}
	if err := c.sleep(ctx, c.config.BootWait); err != nil {
		return false, err
	}

	err = c.api.WaitUntilInstanceRunningWithContext(ctx, &ec2svc.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return false, c.fail(logger, cloud.OpRestartNode, "instance did not come back", err)
	}
	return true, nil
}

// ReplicateNode implements cloud.Controller. The original is imaged to
// an AMI named "<hostname>Image" and the replica is started from it with
// the original's instance type.
func (c *Controller) ReplicateNode(ctx context.Context, group *model.NodeGroup, original *model.Node) (*model.Node, error) {
	source := original.Hostname()
	logger := c.logger.With().Str("node", source).Str("group", group.Name()).Logger()

	id, err := c.instanceID(ctx, original)
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to look up instance", err)
	}
	if id == "" {
		logger.Warn().Msg("Original node has no instance")
		return nil, nil
	}

	name := source + "Image"
	logger.Info().Str("image", name).Msg("Creating image")
	out, err := c.api.CreateImageWithContext(ctx, &ec2svc.CreateImageInput{
		InstanceId: aws.String(id),
		Name:       aws.String(name),
		NoReboot:   aws.Bool(true),
	})
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to create image", err)
	}
	imageID := aws.StringValue(out.ImageId)
	err = c.api.WaitUntilImageAvailableWithContext(ctx, &ec2svc.DescribeImagesInput{
		ImageIds: []*string{aws.String(imageID)},
	})
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "image did not become available", err)
	}

	spec := model.NodeSpec{Hostname: group.NextHostname(source), Image: imageID, Flavor: original.Flavor()}
	logger = logger.With().Str("replica", spec.Hostname).Logger()

	inst, err := c.run(ctx, group.Name(), spec)
	if err != nil {
		return nil, c.fail(logger, cloud.OpReplicateNode, "failed to start replica", err)
	}
	if inst == nil {
		return nil, nil
	}
	replica := model.NewNode(spec)
	replica.SetInstanceID(inst.id)
	if inst.ip == "" {
		logger.Warn().Msg("Replica has no private IP address, terminating it")
		if _, terr := c.TerminateNode(ctx, replica); terr != nil {
			logger.Error().Err(terr).Msg("Failed to terminate replica")
		}
		return nil, nil
	}
	replica.SetIPAddress(inst.ip)
	logger.Info().Str("ip", inst.ip).Msg("Node replicated")
	return replica, nil
}

// RetrieveRunningNodeCount implements cloud.Controller. It counts the
// running instances carrying the group tag.
func (c *Controller) RetrieveRunningNodeCount(ctx context.Context) (int, error) {
	input := &ec2svc.DescribeInstancesInput{
		Filters: []*ec2svc.Filter{
			{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{ec2svc.InstanceStateNameRunning})},
			{Name: aws.String("tag-key"), Values: aws.StringSlice([]string{TagGroup})},
		},
	}
	count := 0
	err := c.api.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2svc.DescribeInstancesOutput, _ bool) bool {
		for _, r := range page.Reservations {
			count += len(r.Instances)
		}
		return true
	})
	if err != nil {
		return 0, classify(err, cloud.OpRetrieveRunningNodeCount, "failed to describe instances")
	}
	return count, nil
}

type started struct {
	id string
	ip string
}

// run starts one instance for spec and waits until it is running. It
// returns nil if the instance never reached the running state.
func (c *Controller) run(ctx context.Context, group string, spec model.NodeSpec) (*started, error) {
	input := &ec2svc.RunInstancesInput{
		ImageId:      aws.String(spec.Image),
		InstanceType: aws.String(spec.Flavor),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2svc.TagSpecification{{
			ResourceType: aws.String(ec2svc.ResourceTypeInstance),
			Tags: []*ec2svc.Tag{
				{Key: aws.String(TagName), Value: aws.String(spec.Hostname)},
				{Key: aws.String(TagGroup), Value: aws.String(group)},
			},
		}},
	}
	if c.config.KeyPairName != "" {
		input.KeyName = aws.String(c.config.KeyPairName)
	}
	if c.config.SubnetID != "" {
		input.SubnetId = aws.String(c.config.SubnetID)
	}
	if len(c.config.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = aws.StringSlice(c.config.SecurityGroupIDs)
	}

	c.logger.Info().Str("node", spec.Hostname).Str("image", spec.Image).Str("flavor", spec.Flavor).Msg("Running instance")
	res, err := c.api.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(res.Instances) == 0 {
		return nil, nil
	}
	id := aws.StringValue(res.Instances[0].InstanceId)

	describe := &ec2svc.DescribeInstancesInput{InstanceIds: []*string{aws.String(id)}}
	if err := c.api.WaitUntilInstanceRunningWithContext(ctx, describe); err != nil {
		if isNotReady(err) {
			c.logger.Warn().Str("instance_id", id).Msg("Instance did not reach running state")
			return &started{id: id}, nil
		}
		return nil, err
	}

	out, err := c.api.DescribeInstancesWithContext(ctx, describe)
	if err != nil {
		return nil, err
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.StringValue(inst.InstanceId) == id {
				return &started{id: id, ip: aws.StringValue(inst.PrivateIpAddress)}, nil
			}
		}
	}
	return &started{id: id}, nil
}

// instanceID returns the instance behind node, looking it up by the Name
// tag when the node has none recorded.
func (c *Controller) instanceID(ctx context.Context, node *model.Node) (string, error) {
	if id := node.InstanceID(); id != "" {
		return id, nil
	}
	out, err := c.api.DescribeInstancesWithContext(ctx, &ec2svc.DescribeInstancesInput{
		Filters: []*ec2svc.Filter{
			{Name: aws.String("tag:" + TagName), Values: aws.StringSlice([]string{node.Hostname()})},
			{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{
				ec2svc.InstanceStateNamePending, ec2svc.InstanceStateNameRunning, ec2svc.InstanceStateNameStopped,
			})},
		},
	})
	if err != nil {
		return "", err
	}
	for _, r := range out.Reservations {
		if len(r.Instances) == 0 {
			continue
		}
		id := aws.StringValue(r.Instances[0].InstanceId)
		node.SetInstanceID(id)
		return id, nil
	}
	return "", nil
}

// fail maps an AWS error onto the controller contract: retryable errors
// and waiter timeouts are a failed attempt, anything else is a hard fault.
func (c *Controller) fail(logger zerolog.Logger, op, msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	cerr := classify(err, op, msg)
	if cloud.IsTransient(cerr) {
		logger.Warn().Err(err).Msg(msg)
		return nil
	}
	return cerr
}

func classify(err error, op, msg string) error {
	if isNotReady(err) || request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return cloud.NewTransientError(msg, err).WithOperation(op)
	}
	return cloud.NewPermanentError(msg, err).WithOperation(op)
}

func isNotReady(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == request.WaiterResourceNotReadyErrorCode
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.NotFound"
}
