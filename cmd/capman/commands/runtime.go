package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/cloud/ec2"
	"github.com/openfroyo/capman/pkg/cloud/openstack"
	"github.com/openfroyo/capman/pkg/cloud/remote"
	"github.com/openfroyo/capman/pkg/cloud/simulated"
	"github.com/openfroyo/capman/pkg/config"
	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/policy"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/stores"
	"github.com/openfroyo/capman/pkg/telemetry"
	"github.com/openfroyo/capman/pkg/transports/ssh"
)

// loadConfig reads the --config file, or the defaults when none is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// runtime holds the components one command invocation works with.
type runtime struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger
	repo       *repository.Memory
	store      *stores.SQLiteStore
	policies   *policy.Engine
	pool       *ssh.Pool
	controller cloud.Controller
	organizer  *execution.Organizer
}

// newRuntime wires telemetry, persistence, admission, the cloud controller
// and the organizer from cfg. Scaling groups come from setup.
func newRuntime(ctx context.Context, cfg *config.Config, setup model.Setup) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	if verbose {
		logging := cfg.Telemetry.Logging
		logging.Level = "debug"
		logging.Format = "console"
		tel.Logger = telemetry.NewLoggerWithWriter(logging, os.Stderr)
	}

	rt := &runtime{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}

	if err := rt.init(ctx, setup); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context, setup model.Setup) error {
	repo, err := repository.NewMemory(setup.ScalingGroups...)
	if err != nil {
		return fmt.Errorf("failed to build scaling group repository: %w", err)
	}
	rt.repo = repo

	opts := []execution.Option{
		execution.WithLogger(rt.logger),
		execution.WithMetrics(rt.telemetry.Metrics),
		execution.WithTracer(rt.telemetry.Tracer),
	}

	if rt.cfg.Store.Path != "" {
		store, err := openStore(ctx, rt.cfg.Store)
		if err != nil {
			return err
		}
		rt.store = store
		if err := store.SaveScalingGroups(ctx, setup.ScalingGroups); err != nil {
			return fmt.Errorf("failed to persist scaling groups: %w", err)
		}
		opts = append(opts, execution.WithRecorder(store))
	}

	if rt.cfg.Policy.Enabled {
		engine, err := newPolicyEngine(ctx, rt.cfg.Policy, rt.logger)
		if err != nil {
			return err
		}
		rt.policies = engine
		opts = append(opts, execution.WithAdmitter(engine))
	}

	controller, err := rt.providers().New(ctx, rt.cfg.Cloud.Provider)
	if err != nil {
		return err
	}
	rt.controller = cloud.NewInstrumented(controller, rt.cfg.Cloud.Provider,
		rt.telemetry.Metrics, rt.telemetry.Tracer, rt.logger)

	organizer, err := execution.NewOrganizer(rt.cfg.Execution, rt.controller, rt.repo, opts...)
	if err != nil {
		return err
	}
	rt.organizer = organizer
	return nil
}

// providers registers a factory per supported cloud provider.
func (rt *runtime) providers() *cloud.Registry {
	reg := cloud.NewRegistry()

	reg.Register(config.ProviderSimulated, func(context.Context) (cloud.Controller, error) {
		return simulated.New(simulated.WithDelay(rt.cfg.Cloud.Simulated.Delay)), nil
	})

	reg.Register(config.ProviderOpenStack, func(context.Context) (cloud.Controller, error) {
		apps, err := rt.applications()
		if err != nil {
			return nil, err
		}
		runner := openstack.CLIRunner{
			Binary: rt.cfg.Cloud.OpenStack.Binary,
			Env:    rt.cfg.Cloud.OpenStack.Env,
		}
		return openstack.New(rt.cfg.Cloud.OpenStack.Config, runner, apps, openstack.WithLogger(rt.logger)), nil
	})

	reg.Register(config.ProviderEC2, func(context.Context) (cloud.Controller, error) {
		apps, err := rt.applications()
		if err != nil {
			return nil, err
		}
		controller, err := ec2.NewFromConfig(rt.cfg.Cloud.EC2, apps, ec2.WithLogger(rt.logger))
		if err != nil {
			return nil, err
		}
		return controller, nil
	})

	return reg
}

// applications builds the SSH-backed application controller shared by the
// real providers.
func (rt *runtime) applications() (*remote.ApplicationController, error) {
	pool, err := ssh.NewPool(rt.cfg.SSH, ssh.WithLogger(rt.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh pool: %w", err)
	}
	rt.pool = pool

	opts := []remote.Option{
		remote.WithLogger(rt.logger),
		remote.WithTempFolder(rt.cfg.TempFolder),
	}
	if rt.cfg.ApplicationsFolder != "" {
		opts = append(opts, remote.WithApplicationsFolder(rt.cfg.ApplicationsFolder))
	}
	return remote.NewApplicationController(pool, opts...), nil
}

// Close waits for running workers and releases every component.
func (rt *runtime) Close(ctx context.Context) {
	if rt.organizer != nil {
		rt.organizer.Wait()
	}

	var errs []error
	if rt.pool != nil {
		errs = append(errs, rt.pool.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.telemetry.Shutdown(ctx))

	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to release resources")
	}
}

// openStore opens and migrates the execution history database.
func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}

// newPolicyEngine builds the admission engine with the configured policy
// files.
func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.DisableBuiltins {
		for _, p := range policy.GetBuiltinPolicies() {
			if err := engine.DisablePolicy(p.Name); err != nil {
				return nil, err
			}
		}
	}
	if len(cfg.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
