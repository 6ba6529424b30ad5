package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"factorytwin/internal/config"
	"factorytwin/internal/db"
	"factorytwin/internal/events"
	"factorytwin/internal/logging"
	"factorytwin/internal/migrate"
	"factorytwin/internal/repo"
	"factorytwin/internal/store"
	"factorytwin/internal/stream"
	twinsdk "factorytwin/sdk/go"
)

// Runtime bundles what every command needs: config, logger, backend client
// and, when enabled, the session journal.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Client    *twinsdk.Client
	// DB is nil when the journal is disabled.
	DB   *sql.DB
	Repo repo.Repo
}

// Open builds a Runtime. The journal database is opened and migrated only if
// cfg enables it.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := twinsdk.New(cfg.API.BaseURL)
	client.Timeout = cfg.API.Timeout
	rt := &Runtime{Workspace: workspace, Config: cfg, Logger: logger, Client: client}
	if cfg.Journal.Enabled {
		if err := rt.openJournal(ctx); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) openJournal(ctx context.Context) error {
	conn, err := db.Open(db.Config{Workspace: rt.Workspace})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if err := checkSchema(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("migrate journal: %w", err)
	}
	rt.DB = conn
	rt.Repo = repo.Repo{DB: conn}
	return nil
}

// checkSchema refuses a journal written by a newer build.
func checkSchema(ctx context.Context, conn *sql.DB) error {
	current, err := migrate.CurrentVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("read journal schema version: %w", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		return err
	}
	if current > latest {
		return fmt.Errorf("journal schema version %d is newer than this build supports (%d)", current, latest)
	}
	return nil
}

// HasJournal reports whether the journal is open.
func (rt *Runtime) HasJournal() bool {
	return rt.DB != nil
}

// Close releases the journal.
func (rt *Runtime) Close() error {
	if rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

// NewSubscriber returns the event stream transport selected by config.
func (rt *Runtime) NewSubscriber() store.Subscriber {
	log := logging.For(rt.Logger, logging.ComponentStream)
	sc := rt.Config.Stream
	if sc.Transport == config.TransportMQTT {
		return stream.NewMQTT(stream.MQTTConfig{
			Broker:       sc.MQTT.Broker,
			ClientID:     sc.MQTT.ClientID,
			Username:     sc.MQTT.Username,
			Password:     sc.MQTT.Password,
			TopicPrefix:  sc.MQTT.TopicPrefix,
			QoS:          byte(sc.MQTT.QoS),
			MaxReconnect: sc.MaxBackoff,
		}, log)
	}
	return stream.NewSSE(stream.SSEConfig{
		URL:            rt.Config.StreamURL(),
		HTTPClient:     &http.Client{},
		InitialBackoff: sc.InitialBackoff,
		MaxBackoff:     sc.MaxBackoff,
	}, log)
}

// NewSession creates a session against the configured backend and registers
// it in the journal. With live set it also listens to the event stream. The
// caller starts and disposes it.
func (rt *Runtime) NewSession(ctx context.Context, live bool) (*store.Session, error) {
	id := uuid.NewString()
	var rec store.Recorder
	if rt.HasJournal() {
		err := rt.Repo.InsertSession(ctx, repo.Session{
			ID:        id,
			StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
			BaseURL:   rt.Config.API.BaseURL,
			Transport: rt.Config.Stream.Transport,
		})
		if err != nil {
			return nil, fmt.Errorf("register session: %w", err)
		}
		rec = events.Writer{DB: rt.DB, SessionID: id}
	}
	var sub store.Subscriber
	if live {
		sub = rt.NewSubscriber()
	}
	return store.NewSession(rt.Client, sub, store.Options{
		ID:             id,
		MaxDecisions:   rt.Config.Store.MaxDecisions,
		PersistTimeout: rt.Config.Store.PersistTimeout,
		Recorder:       rec,
		Logger:         rt.Logger,
	}), nil
}
