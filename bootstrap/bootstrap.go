package bootstrap

import (
	"log"
	"time"

	"github.com/miragespace/ctfinstancer/broker"
	"github.com/miragespace/ctfinstancer/challenge"
	"github.com/miragespace/ctfinstancer/cleanup"
	"github.com/miragespace/ctfinstancer/config"
	"github.com/miragespace/ctfinstancer/cooldown"
	"github.com/miragespace/ctfinstancer/db"
	"github.com/miragespace/ctfinstancer/instance"
	"github.com/miragespace/ctfinstancer/lock"
	"github.com/miragespace/ctfinstancer/provision"
	"github.com/miragespace/ctfinstancer/settings"
	specBroker "github.com/miragespace/ctfinstancer/spec/broker"
	"github.com/miragespace/ctfinstancer/user"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// App holds every component wired from the configuration
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB

	Challenges *challenge.Manager
	Users      *user.Manager
	Instances  *instance.Manager
	Settings   *settings.Manager
	Gate       *cooldown.Gate
	Lifecycle  *instance.LifecycleManager
	Sweep      *cleanup.Task
	Publisher  specBroker.Publisher

	closers []func()
}

// NewLogger returns the logger of the environment, tagged with the component and version
func NewLogger(env config.Environment, component, version string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if env == config.EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("Component", component),
		zap.String("Version", version),
	), nil
}

// attachSentry initializes sentry for error reporting and forwards zap errors to it
func attachSentry(logger *zap.Logger, cfg *config.Config, component string) (*zap.Logger, error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: string(cfg.Environment),
		Debug:       cfg.Environment == config.EnvDevelopment,
	}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize sentry")
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": component,
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot attach sentry to logger")
	}
	return zapsentry.AttachCoreToLogger(core, logger), nil
}

// New loads the configuration of the current environment and wires every component.
// Logger construction failures are fatal since there is nowhere else to report them
func New(component, version string) (*App, error) {
	env := config.CurrentEnvironment()

	logger, err := NewLogger(env, component, version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}

	cfg, err := config.Load(env, config.DotFile(env))
	if err != nil {
		logger.Error("Cannot load configurations",
			zap.Error(err),
		)
		return nil, err
	}

	app := &App{
		Config: cfg,
	}

	if len(cfg.SentryDSN) > 0 {
		logger, err = attachSentry(logger, cfg, component)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() {
			sentry.Flush(time.Second * 2)
		})
	}
	app.Logger = logger

	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire() error {
	cfg := a.Config
	logger := a.Logger
	var err error

	a.DB, err = db.New(db.Options{
		Driver: cfg.DBDriver,
		URI:    cfg.DBURI,
		Logger: logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot connect to database")
	}

	if a.Challenges, err = challenge.NewManager(logger, a.DB); err != nil {
		return extErrors.Wrap(err, "Cannot initialize ChallengeManager")
	}
	if a.Users, err = user.NewManager(logger, a.DB); err != nil {
		return extErrors.Wrap(err, "Cannot initialize UserManager")
	}
	if a.Instances, err = instance.NewManager(logger, a.DB); err != nil {
		return extErrors.Wrap(err, "Cannot initialize InstanceManager")
	}
	if a.Settings, err = settings.NewManager(logger, a.DB); err != nil {
		return extErrors.Wrap(err, "Cannot initialize SettingsManager")
	}

	a.Gate, err = cooldown.NewGate(cooldown.GateOptions{
		Settings: a.Settings,
		Requests: a.Instances,
		Logger:   logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize cooldown Gate")
	}

	engine, err := provision.NewTerraform(provision.TerraformOptions{
		Binary:  cfg.ProvisionerBinary,
		Timeout: cfg.ProvisionerTimeout,
		Logger:  logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize provisioning engine")
	}

	locker, err := a.newLocker()
	if err != nil {
		return err
	}

	if err := a.newPublisher(); err != nil {
		return err
	}

	a.Lifecycle, err = instance.NewLifecycleManager(instance.LifecycleOptions{
		Instances:         a.Instances,
		Challenges:        a.Challenges,
		Users:             a.Users,
		Engine:            engine,
		Gate:              a.Gate,
		Locker:            locker,
		Publisher:         a.Publisher,
		Logger:            logger,
		ManifestDirectory: cfg.ManifestDirectory,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize LifecycleManager")
	}

	a.Sweep, err = cleanup.NewTask(cleanup.TaskOptions{
		Instances: a.Instances,
		Lifecycle: a.Lifecycle,
		Logger:    logger,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot initialize cleanup Task")
	}
	return nil
}

func (a *App) newLocker() (lock.Locker, error) {
	if len(a.Config.RedisURI) == 0 {
		a.Logger.Info("REDIS_URI is not set, creation reservations are local to this process")
		return lock.NewLocalLocker(), nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.Config.RedisURI},
		Password: a.Config.RedisPassword,
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		rdb.Close()
		return nil, extErrors.Wrap(err, "Cannot connect to Redis")
	}
	a.closers = append(a.closers, func() {
		rdb.Close()
	})

	locker, err := lock.NewRedisLocker(lock.RedisOptions{
		Redis:  rdb,
		Logger: a.Logger,
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize Redis locker")
	}
	return locker, nil
}

func (a *App) newPublisher() error {
	if len(a.Config.AMQPURI) == 0 {
		a.Logger.Info("AMQP_URI is not set, lifecycle events are only logged")
		a.Publisher = &broker.LogPublisher{Logger: a.Logger}
		return nil
	}

	amqpBroker, err := broker.NewAMQPBroker(a.Config.AMQPURI)
	if err != nil {
		return extErrors.Wrap(err, "Cannot connect to Broker")
	}
	a.closers = append(a.closers, amqpBroker.Close)
	a.Publisher = amqpBroker
	return nil
}

// Close releases the connections opened by New, in reverse order
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.DB != nil {
		if pool, err := a.DB.DB(); err == nil {
			pool.Close()
		}
	}
	if a.Logger != nil {
		a.Logger.Sync()
	}
}
