package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/cardsync"
	"github.com/deemkeen/cardfed/db"
	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/moderation"
	"github.com/deemkeen/cardfed/util"
	"github.com/deemkeen/cardfed/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "Character card federation over ActivityPub",
		Long: `Synchronizes character cards between platforms and federates them with
other instances: signed inbox, sync engine, moderation and content policies.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup reads the configuration and installs the global logger.
func setup() (*util.AppConfig, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	logger, err := util.SetupLogger(debug || conf.Conf.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Sugar().Debugf("Configuration: %s", util.PrettyPrint(conf))
	return conf, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			defer zap.L().Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps := web.Deps{Conf: conf}
			if conf.Conf.WithAp {
				fed, err := util.EnableFederation(conf.Conf.SslDomain)
				if err != nil {
					return err
				}
				store, err := db.Open(ctx, conf.Conf.DbDriver, conf.Conf.DbDsn, conf.Conf.TablePrefix)
				if err != nil {
					return err
				}
				defer store.Close()

				closeFn, err := wire(ctx, conf, fed, store, &deps)
				if err != nil {
					return err
				}
				defer closeFn()
			}

			errs := make(chan error, 1)
			go func() { errs <- web.Router(deps) }()

			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
				zap.S().Info("Shutting down")
				return nil
			}
		},
	}
}

// wire builds the federation components on top of store and fills deps.
// The returned func releases the event publisher.
func wire(ctx context.Context, conf *util.AppConfig, fed *util.Federation, store *db.DB, deps *web.Deps) (func(), error) {
	keys, err := util.LoadOrCreateKeypair(conf.Conf.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance key: %w", err)
	}
	privateKey, err := activitypub.ParsePrivateKey(keys.Private)
	if err != nil {
		return nil, err
	}
	actor := activitypub.NewInstanceActor(fed.BaseURL(), conf.Conf.ActorName, keys.Public)

	engine, err := cardsync.NewEngine(fed, store)
	if err != nil {
		return nil, err
	}
	for _, id := range conf.Conf.Platforms {
		if err := engine.RegisterPlatform(domain.PlatformID(id), cardsync.NewMemoryAdapter()); err != nil {
			return nil, err
		}
	}

	closeFn := func() {}
	if len(conf.Conf.Kafka.Brokers) > 0 {
		pub := cardsync.NewKafkaPublisher(cardsync.NewKafkaWriter(conf.Conf.Kafka.Brokers, conf.Conf.Kafka.Topic))
		engine.Subscribe(pub.Listener())
		closeFn = func() {
			if err := pub.Close(); err != nil {
				zap.S().Warnf("Failed to close event publisher: %v", err)
			}
		}
		zap.S().Infof("Publishing sync events to %s", conf.Conf.Kafka.Topic)
	}

	mod := moderation.NewService(fed, store)
	screener := moderation.NewScreener(moderation.NewPolicyEngine(fed, store), mod, actor.ID)
	limiter := moderation.NewRateLimiter(fed, store, conf.Conf.RateLimit.MaxTokens, conf.Conf.RateLimit.RefillRate)

	fetcher := activitypub.NewActorFetcher(&http.Client{Timeout: 10 * time.Second}).
		WithSigningKey(privateKey, actor.PublicKey.ID)
	verifier := activitypub.NewVerifier(fetcher, time.Duration(conf.Conf.SignatureWindow)*time.Second)

	inbox, err := activitypub.NewInbox(fed, verifier, activitypub.Handlers{
		OnCreate:  screener.OnCreate,
		OnUpdate:  screener.OnUpdate,
		OnFork:    engine.HandleForkNotification,
		OnInstall: engine.HandleInstallNotification,
		OnLike:    engine.HandleLikeNotification,
		OnFlag:    mod.HandleFlag,
		OnBlock:   mod.HandleBlock,
	}, activitypub.InboxOptions{
		StrictMode: conf.Conf.StrictMode,
		Blocks:     mod,
		Limiter:    limiter,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	deps.Fed = fed
	deps.Inbox = inbox
	deps.Engine = engine
	deps.Actor = actor
	zap.S().Infof("Federation enabled for %s with platforms %v", fed.Domain, engine.Platforms())
	return closeFn, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			store, err := db.Open(cmd.Context(), conf.Conf.DbDriver, conf.Conf.DbDsn, conf.Conf.TablePrefix)
			if err != nil {
				return err
			}
			zap.S().Infof("Database migrations complete (%s)", conf.Conf.DbDriver)
			return store.Close()
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the instance signing key if missing and print its public half",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			keys, err := util.LoadOrCreateKeypair(conf.Conf.KeyFile)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), keys.Public)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
