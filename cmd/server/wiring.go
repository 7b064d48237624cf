package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"namereg/internal/access"
	escrowmodels "namereg/internal/escrow/models"
	escrowservice "namereg/internal/escrow/service"
	escrowmem "namereg/internal/escrow/store/memory"
	escrowpg "namereg/internal/escrow/store/postgres"
	"namereg/internal/events"
	"namereg/internal/events/kafka"
	jwttoken "namereg/internal/jwt_token"
	ledgerservice "namereg/internal/ledger/service"
	ledgermem "namereg/internal/ledger/store/memory"
	ledgerpg "namereg/internal/ledger/store/postgres"
	"namereg/internal/platform/config"
	"namereg/internal/platform/metrics"
	"namereg/internal/platform/postgres"
	redisclient "namereg/internal/platform/redis"
	registryservice "namereg/internal/registry/service"
	registrymem "namereg/internal/registry/store/memory"
	registrypg "namereg/internal/registry/store/postgres"
	"namereg/internal/token"
	tokenmem "namereg/internal/token/memory"
	tokenredis "namereg/internal/token/redis"
	"namereg/pkg/domain"
	"namereg/pkg/platform/circuit"
	"namereg/pkg/platform/tx"
)

const (
	kafkaPartitions  = 3
	kafkaReplication = 1
)

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// application holds the wired services and whatever must be closed on exit.
type application struct {
	registry *registryservice.Service
	indexer  *events.Indexer
	consumer *kafka.Consumer
	jwt      *jwttoken.JWTService
	health   []healthCheck
	closers  []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type stores struct {
	runner tx.Runner
	names  registryservice.NameStore
	certs  ledgerservice.Store
	stakes escrowservice.Store
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*application, error) {
	app := &application{
		jwt: jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience),
	}
	if err := wire(ctx, cfg, log, m, app); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func wire(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, app *application) error {
	st, err := buildStores(ctx, cfg, app)
	if err != nil {
		return err
	}
	escrowAccount, err := domain.ParsePrincipal(cfg.Token.EscrowAccount)
	if err != nil {
		return fmt.Errorf("escrow account: %w", err)
	}
	tok, err := buildToken(ctx, cfg, escrowAccount, app, log)
	if err != nil {
		return err
	}
	publisher, err := buildEvents(ctx, cfg, app, log)
	if err != nil {
		return err
	}

	mode, ok := escrowmodels.ParsePayoutMode(cfg.Registry.PayoutMode)
	if !ok {
		return fmt.Errorf("unknown payout mode %q", cfg.Registry.PayoutMode)
	}

	ledger, err := ledgerservice.New(st.certs, st.runner,
		ledgerservice.WithLogger(log),
		ledgerservice.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}
	escrow, err := escrowservice.New(st.stakes, tok, escrowAccount, st.runner,
		escrowservice.WithPayoutMode(mode),
		escrowservice.WithLogger(log),
		escrowservice.WithPublisher(publisher),
		escrowservice.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	app.registry, err = registryservice.New(st.names, ledger, escrow, st.runner,
		registryservice.WithLogger(log),
		registryservice.WithPublisher(publisher),
		registryservice.WithMetrics(m),
		registryservice.WithAccessControl(adminControl(cfg.Registry.Admins, log)),
		registryservice.WithDefaultCost(domain.Quantity(cfg.Registry.DefaultCost)),
	)
	return err
}

func buildStores(ctx context.Context, cfg config.Config, app *application) (stores, error) {
	timeout := tx.WithTimeout(cfg.Registry.TxTimeout)
	if cfg.Store.Backend != config.BackendPostgres {
		return stores{
			runner: tx.NewSharded(timeout),
			names:  registrymem.New(),
			certs:  ledgermem.New(),
			stakes: escrowmem.New(),
		}, nil
	}

	db, err := postgres.Open(ctx, postgres.Config{DSN: cfg.Store.PostgresDSN})
	if err != nil {
		return stores{}, err
	}
	app.closers = append(app.closers, func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		return stores{}, err
	}
	app.health = append(app.health, healthCheck{name: "postgres", check: db.PingContext})
	return stores{
		runner: tx.NewPostgres(db, timeout),
		names:  registrypg.NewPostgres(db),
		certs:  ledgerpg.NewPostgres(db),
		stakes: escrowpg.NewPostgres(db),
	}, nil
}

func buildToken(ctx context.Context, cfg config.Config, escrow domain.Principal, app *application, log *slog.Logger) (token.Token, error) {
	if cfg.Token.Backend == config.BackendRedis {
		client, err := redisclient.New(ctx, cfg.Token.Redis)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		app.health = append(app.health, healthCheck{name: "redis", check: client.Health})
		tok := tokenredis.New(client.Client, escrow)
		err = seedBalances(cfg.Token.Balances, func(p domain.Principal, amount domain.Quantity) error {
			seeded, err := tok.Seed(ctx, p, amount)
			if err == nil && !seeded {
				log.InfoContext(ctx, "token balance already present, not seeded", "account", p)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		return tok, nil
	}

	ledger := tokenmem.NewLedger()
	err := seedBalances(cfg.Token.Balances, func(p domain.Principal, amount domain.Quantity) error {
		ledger.Mint(p, amount)
		ledger.Approve(p, escrow, amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ledger.Client(escrow), nil
}

// seedBalances hands each configured dev balance to seed. Every seeded account
// lets the escrow pull its full balance.
func seedBalances(balances map[string]uint64, seed func(domain.Principal, domain.Quantity) error) error {
	for account, amount := range balances {
		p, err := domain.ParsePrincipal(account)
		if err != nil {
			return fmt.Errorf("seed balance for %q: %w", account, err)
		}
		if err := seed(p, domain.Quantity(amount)); err != nil {
			return fmt.Errorf("seed balance for %q: %w", account, err)
		}
	}
	return nil
}

// buildEvents returns the publisher services emit to. With the log sink the
// read index is fed directly; with Kafka it is fed by a consumer when enabled.
func buildEvents(ctx context.Context, cfg config.Config, app *application, log *slog.Logger) (events.Publisher, error) {
	logPub := events.NewLogPublisher(log)
	if cfg.Events.Sink != config.SinkKafka {
		app.indexer = events.NewIndexer()
		return events.Multi{logPub, app.indexer}, nil
	}

	producer, err := kafka.NewProducerClient(cfg.Events.Brokers, cfg.Events.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	app.closers = append(app.closers, producer.Close)
	if err := kafka.EnsureTopic(ctx, producer, cfg.Events.Topic, kafkaPartitions, kafkaReplication); err != nil {
		return nil, err
	}
	pub := kafka.NewPublisher(producer, cfg.Events.Topic,
		kafka.WithLogger(log),
		kafka.WithFallback(logPub),
		kafka.WithBreaker(circuit.New("kafka-events")),
	)
	app.health = append(app.health, healthCheck{name: "kafka", check: kafkaHealth(producer, pub)})

	if cfg.Events.Index {
		consumer, err := kafka.NewConsumerClient(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.ConsumerGroup)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		app.closers = append(app.closers, consumer.Close)
		app.indexer = events.NewIndexer()
		app.consumer = kafka.NewConsumer(consumer, app.indexer, log)
	}
	return pub, nil
}

func kafkaHealth(client *kgo.Client, pub *kafka.Publisher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !pub.Healthy() {
			return errors.New("circuit open")
		}
		return client.Ping(ctx)
	}
}

func adminControl(admins []string, log *slog.Logger) access.Control {
	grants := make(map[domain.Principal][]string, len(admins))
	for _, a := range admins {
		p, err := domain.ParsePrincipal(a)
		if err != nil {
			log.Warn("ignoring invalid admin principal", "admin", a, "error", err)
			continue
		}
		grants[p] = []string{access.CapabilitySetCost, access.CapabilityCheckConsistency}
	}
	return access.NewStatic(grants)
}
