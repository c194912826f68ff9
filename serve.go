package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	apihttp "magicsaas-pipeline/internal/api/http"
	"magicsaas-pipeline/internal/config"
	"magicsaas-pipeline/internal/eventing"
	eventingpg "magicsaas-pipeline/internal/eventing/infrastructure/postgres"
	esapp "magicsaas-pipeline/internal/eventstore/application"
	"magicsaas-pipeline/internal/iotmesh"
	"magicsaas-pipeline/internal/logging"
	"magicsaas-pipeline/internal/observability/metrics"
	occapp "magicsaas-pipeline/internal/occupancy/application"
	occdomain "magicsaas-pipeline/internal/occupancy/domain"
	"magicsaas-pipeline/internal/occupancy/interfaces/mqtt"
	"magicsaas-pipeline/internal/occupancy/interfaces/zigbee"
	voiceapp "magicsaas-pipeline/internal/voice/application"
	"magicsaas-pipeline/internal/voice/domain"
	"magicsaas-pipeline/internal/voice/infrastructure/whisper"
	voicehttp "magicsaas-pipeline/internal/voice/interfaces/http"
	"magicsaas-pipeline/internal/voicebridge"
)

const statePublisherConsumer = "mqtt.state_publisher"

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event store, IoT mesh, voice bridge and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log)

	backend, db, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	metrics.Init()

	bus := eventing.NewBus()
	registry := eventing.NewRegistry()
	occapp.RegisterEvents(registry)

	store, err := newStore(backend, cfg, bus, logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := store.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("event store shutdown")
		}
	}()

	occupancy, err := occapp.NewHandler(occapp.Config{
		Threshold:  cfg.Occupancy.Threshold,
		Mode:       occdomain.Mode(cfg.Occupancy.Mode),
		Hysteresis: cfg.Occupancy.Hysteresis,
		Rooms:      cfg.Occupancy.Rooms,
	}, logger, occapp.WithEventStore(store))
	if err != nil {
		return err
	}

	processed, err := processedStore(ctx, db, cfg.Store.Table, logger)
	if err != nil {
		return err
	}

	sup := suture.New("magicsaas", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: cfg.HTTP.ShutdownTimeout,
	})
	sup.Add(store)

	if cfg.MQTT.Enabled {
		mesh, err := buildMesh(cfg, store, occupancy, bus, registry, processed, logger)
		if err != nil {
			return err
		}
		sup.Add(mesh)
	}

	var voice apihttp.Mounter
	if cfg.Voice.Enabled || cfg.Alexa.Enabled {
		bridge, err := buildVoiceBridge(cfg, store, occupancy, logger)
		if err != nil {
			return err
		}
		defer func() {
			_ = bridge.Close(context.WithoutCancel(ctx))
		}()
		handler, err := voicehttp.NewHandler(bridge, cfg.HTTP.MaxBodyBytes, logger)
		if err != nil {
			return err
		}
		voice = handler
	}

	events, err := apihttp.NewEventsHandler(store)
	if err != nil {
		return err
	}
	rooms, err := apihttp.NewRoomsHandler(occupancy)
	if err != nil {
		return err
	}
	server, err := apihttp.NewServer(&http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apihttp.NewRouter(apihttp.Deps{Events: events, Rooms: rooms, Voice: voice, Logger: logger}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, cfg.HTTP.ShutdownTimeout, logger)
	if err != nil {
		return err
	}
	sup.Add(server)

	logger.Info().
		Str("store", cfg.Store.Backend).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("zigbee", cfg.Zigbee.Enabled).
		Bool("voice", cfg.Voice.Enabled).
		Bool("alexa", cfg.Alexa.Enabled).
		Msg("pipeline starting")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// processedStore picks the consumer marker store. With Postgres it also
// exposes the table sizes as gauges.
func processedStore(ctx context.Context, db *sql.DB, eventTable string, logger zerolog.Logger) (eventing.ProcessedStore, error) {
	if db == nil {
		return eventing.NewMemoryProcessedStore(), nil
	}
	store, err := eventingpg.NewProcessedStore(db)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	err = metrics.RegisterTableGauges(db, logger,
		metrics.TableGauge{Name: "system_events_persisted", Help: "Rows in the event table", Table: eventTable},
		metrics.TableGauge{Name: "consumer_marks", Help: "Consumer idempotency markers", Table: store.Table()},
	)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildMesh(cfg *config.Config, store *esapp.Store, occupancy *occapp.Handler, bus *eventing.Bus,
	registry *eventing.Registry, processed eventing.ProcessedStore, logger zerolog.Logger) (*iotmesh.Mesh, error) {
	transport, err := mqtt.NewPahoTransport(mqtt.PahoConfig{
		BrokerURL:            cfg.MQTT.BrokerURL,
		ClientID:             cfg.MQTT.ClientID,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
		ConnectMaxElapsed:    cfg.MQTT.ConnectMaxElapsed,
		OperationTimeout:     cfg.MQTT.OperationTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	var opts []iotmesh.Option
	if cfg.MQTT.PublishState {
		publisher, err := mqtt.NewStatePublisher(transport, cfg.MQTT.Namespace, cfg.MQTT.QoS, registry, cfg.MQTT.QueueSize, logger)
		if err != nil {
			return nil, err
		}
		if _, err := eventing.Subscribe(bus, occapp.EventThresholdCrossed, statePublisherConsumer, publisher.Consume, processed); err != nil {
			return nil, err
		}
		opts = append(opts, iotmesh.WithStatePublisher(publisher))
	}
	if cfg.Zigbee.Enabled {
		devices, err := zigbee.LoadDeviceMap(cfg.Zigbee.DeviceMap)
		if err != nil {
			return nil, err
		}
		opts = append(opts, iotmesh.WithZigbee(zigbee.BridgeConfig{
			BaseTopic:     cfg.Zigbee.BaseTopic,
			DefaultTenant: cfg.Zigbee.DefaultTenant,
			QoS:           cfg.MQTT.QoS,
			IngestTimeout: cfg.MQTT.IngestTimeout,
		}, devices))
	}

	return iotmesh.New(iotmesh.Config{
		MQTT: mqtt.ClientConfig{
			Namespace:     cfg.MQTT.Namespace,
			Tenant:        cfg.MQTT.Tenant,
			QoS:           cfg.MQTT.QoS,
			IngestTimeout: cfg.MQTT.IngestTimeout,
		},
		QueueSize:         cfg.MQTT.QueueSize,
		Workers:           cfg.MQTT.Workers,
		DisconnectTimeout: cfg.HTTP.ShutdownTimeout,
	}, transport, store, occupancy, logger, opts...)
}

func buildVoiceBridge(cfg *config.Config, store *esapp.Store, occupancy *occapp.Handler, logger zerolog.Logger) (*voicebridge.Bridge, error) {
	var stt voiceapp.Transcriber = disabledTranscriber{}
	if cfg.Voice.Enabled {
		client, err := whisper.NewClient(whisper.Config{
			BaseURL:           cfg.Voice.BaseURL,
			APIKey:            cfg.Voice.APIKey,
			Model:             cfg.Voice.Model,
			Language:          cfg.Voice.Language,
			AttemptTimeout:    cfg.Voice.AttemptTimeout,
			MaxElapsed:        cfg.Voice.MaxElapsed,
			MaxRetries:        cfg.Voice.MaxRetries,
			BreakerFailures:   cfg.Voice.BreakerFailures,
			BreakerOpenPeriod: cfg.Voice.BreakerOpenPeriod,
		}, logger)
		if err != nil {
			return nil, err
		}
		stt = client
	}

	var opts []voicebridge.Option
	if cfg.Alexa.Enabled {
		router := voiceapp.NewIntentRouter(logger,
			voiceapp.WithApplicationID(cfg.Alexa.ApplicationID),
			voiceapp.WithSkillName(cfg.Alexa.SkillName),
		)
		if err := router.RegisterIntent(voiceapp.RoomOccupancyIntentName, voiceapp.RoomOccupancyIntent(occupancy, cfg.MQTT.Tenant)); err != nil {
			return nil, err
		}
		opts = append(opts, voicebridge.WithAlexa(router))
	}

	return voicebridge.New(voiceapp.DictationConfig{
		Tenant:        cfg.Dictation.Tenant,
		Petala:        cfg.Dictation.Petala,
		MinChunkBytes: cfg.Dictation.MinChunkBytes,
		MaxBufferAge:  cfg.Dictation.MaxBufferAge,
		SessionTTL:    cfg.Dictation.SessionTTL,
	}, stt, store, logger, opts...)
}

type disabledTranscriber struct{}

func (disabledTranscriber) Transcribe(context.Context, domain.TranscriptionRequest) (domain.Transcript, error) {
	return domain.Transcript{}, domain.ErrTranscriptionDisabled
}
