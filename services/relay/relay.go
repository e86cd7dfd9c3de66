package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/genemingxingma/iot-control-center/core/csql"
	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot/api"
	"github.com/genemingxingma/iot-control-center/iot/dispatch"
	"github.com/genemingxingma/iot-control-center/iot/firmware"
	"github.com/genemingxingma/iot-control-center/iot/inbox"
	"github.com/genemingxingma/iot-control-center/iot/notify"
	"github.com/genemingxingma/iot-control-center/iot/schedule"
	"github.com/genemingxingma/iot-control-center/iot/session"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=relay" description:"the database schema"`

	Tenant           string `env:"TENANT,default=default" description:"the tenant this worker serves"`
	MQTTHost         string `env:"MQTT_HOST" description:"the broker host; empty disables the transport"`
	MQTTPort         int    `env:"MQTT_PORT,default=1883"`
	MQTTUsername     string `env:"MQTT_USERNAME"`
	MQTTPassword     string `env:"MQTT_PASSWORD"`
	MQTTTopicRoot    string `env:"MQTT_TOPIC_ROOT,default=iot/relay"`
	MQTTKeepaliveSec int    `env:"MQTT_KEEPALIVE_SEC,default=60"`

	BatchPeriodSec   int `env:"BATCH_PERIOD_SEC,default=5" description:"deferred inbound message sweep period"`
	BatchSize        int `env:"BATCH_SIZE,default=50"`
	UptimeTickSec    int `env:"UPTIME_TICK_SEC,default=60" description:"live uptime accumulation period"`
	DelaySweepSec    int `env:"DELAY_SWEEP_SEC,default=30" description:"expired delay sweep period"`
	ScheduleSyncSec  int `env:"SCHEDULE_SYNC_SEC,default=60" description:"dirty schedule reconciliation period"`
	OnlineTimeoutSec int `env:"ONLINE_TIMEOUT_SEC,default=300"`

	APIAddr   string `env:"API_ADDR,default=:3000"`
	JWTSecret string `env:"JWT_SECRET" description:"HS256 secret for the admin API; empty disables auth"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated; empty disables twin events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=iot.twin.events"`

	FirmwareBaseURL string `env:"FIRMWARE_BASE_URL" description:"base url of the token firmware download endpoint"`
	S3Bucket        string `env:"FIRMWARE_S3_BUCKET" description:"S3 bucket for firmware images; empty uses the token signer"`
	S3Region        string `env:"FIRMWARE_S3_REGION,default=eu-central-1"`
	S3KeyPrefix     string `env:"FIRMWARE_S3_KEY_PREFIX"`
	S3AccessID      string `env:"FIRMWARE_S3_ACCESS_ID"`
	S3AccessKey     string `env:"FIRMWARE_S3_ACCESS_KEY"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.InitLogger(logLevel)
	log := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()

	twins := twin.NewSQLStore(db)
	messages := inbox.NewSQLStore(db)
	schedules := schedule.NewSQLSource(db)

	var notifier notify.Notifier = notify.LogNotifier{}
	var kafkaNotifier *notify.KafkaNotifier
	if service.KafkaBrokers != "" {
		kafkaNotifier = notify.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		notifier = kafkaNotifier
		log.Infoln("twin events go to kafka topic", service.KafkaTopic)
	}

	processor := inbox.NewProcessor(&inbox.ProcessorBuilder{
		Messages:  messages,
		Twins:     twins,
		Notifier:  notifier,
		BatchSize: service.BatchSize,
	})

	sessionConfig := session.Config{
		Host:         service.MQTTHost,
		Port:         service.MQTTPort,
		Username:     service.MQTTUsername,
		Password:     service.MQTTPassword,
		TopicRoot:    service.MQTTTopicRoot,
		KeepaliveSec: service.MQTTKeepaliveSec,
	}
	manager := session.NewManager()
	onMessage := func(topic string, payload []byte) {
		ctx, rlog := logger.ContextWithLogger(context.Background())
		if err := processor.Ingest(ctx, topic, payload); err != nil {
			rlog.WithError(err).Errorf("cannot ingest message on %s", topic)
		}
	}
	publisher := &managedPublisher{
		manager: manager,
		tenant:  service.Tenant,
		config:  sessionConfig,
		handler: onMessage,
	}

	var signer firmware.URLSigner
	if service.S3Bucket != "" {
		signer, err = firmware.NewS3Signer(firmware.S3Configuration{
			AWSRegion:     service.S3Region,
			AWSBucketName: service.S3Bucket,
			KeyPrefix:     service.S3KeyPrefix,
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
		})
		if err != nil {
			panic(err)
		}
	} else {
		signer = firmware.TokenSigner{BaseURL: service.FirmwareBaseURL}
	}

	dispatcher := dispatch.New(&dispatch.Builder{
		Store:     twins,
		Publisher: publisher,
		Schedules: schedules,
		Signer:    signer,
		TopicRoot: service.MQTTTopicRoot,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	api.MustNewService(&api.Builder{
		Router:        router,
		Twins:         twins,
		Messages:      messages,
		Dispatcher:    dispatcher,
		JWTSecret:     service.JWTSecret,
		OnlineTimeout: time.Duration(service.OnlineTimeoutSec) * time.Second,
	})

	server := &http.Server{
		Addr:    service.APIAddr,
		Handler: handlers.CompressHandler(router),
	}
	go func() {
		log.Infoln("listen on", service.APIAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatalln("api server failed")
		}
	}()

	stop := make(chan struct{})
	go runTicks(stop, service, manager, publisher, processor, dispatcher, twins)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Infoln("shutting down")

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	manager.StopAll()
	if kafkaNotifier != nil {
		kafkaNotifier.Close()
	}
}

// managedPublisher resolves the tenant's live session on every publish, so a
// broker restart or config change is healed transparently.
type managedPublisher struct {
	manager *session.Manager
	tenant  string
	config  session.Config
	handler session.Handler
}

func (p *managedPublisher) Publish(topic string, payload []byte) bool {
	s := p.manager.EnsureRunning(p.tenant, p.config, p.handler)
	if s == nil {
		return false
	}
	return s.Publish(topic, payload)
}

func runTicks(stop chan struct{}, service *Service, manager *session.Manager,
	publisher *managedPublisher, processor *inbox.Processor,
	dispatcher *dispatch.Dispatcher, twins twin.Store) {

	batchTick := time.NewTicker(time.Duration(service.BatchPeriodSec) * time.Second)
	uptimeTick := time.NewTicker(time.Duration(service.UptimeTickSec) * time.Second)
	delayTick := time.NewTicker(time.Duration(service.DelaySweepSec) * time.Second)
	scheduleTick := time.NewTicker(time.Duration(service.ScheduleSyncSec) * time.Second)
	sessionTick := time.NewTicker(30 * time.Second)
	defer batchTick.Stop()
	defer uptimeTick.Stop()
	defer delayTick.Stop()
	defer scheduleTick.Stop()
	defer sessionTick.Stop()

	// connect eagerly, the tick only heals
	manager.EnsureRunning(publisher.tenant, publisher.config, publisher.handler)

	for {
		select {
		case <-stop:
			return
		case <-sessionTick.C:
			manager.EnsureRunning(publisher.tenant, publisher.config, publisher.handler)
		case <-batchTick.C:
			ctx, rlog := logger.ContextWithLogger(context.Background())
			if n, err := processor.ProcessBatch(ctx); err != nil {
				rlog.WithError(err).Errorln("batch processing failed")
			} else if n > 0 {
				rlog.Debugf("processed %d inbound messages", n)
			}
		case <-uptimeTick.C:
			ctx, rlog := logger.ContextWithLogger(context.Background())
			if _, err := dispatcher.AccumulateLiveUptime(ctx); err != nil {
				rlog.WithError(err).Errorln("uptime accumulation failed")
			}
		case <-delayTick.C:
			ctx, rlog := logger.ContextWithLogger(context.Background())
			if n, err := dispatcher.SweepExpiredDelays(ctx); err != nil {
				rlog.WithError(err).Errorln("delay sweep failed")
			} else if n > 0 {
				rlog.Infof("cleared %d expired delay windows", n)
			}
		case <-scheduleTick.C:
			ctx, rlog := logger.ContextWithLogger(context.Background())
			devices, err := twins.List(ctx)
			if err != nil {
				rlog.WithError(err).Errorln("cannot list devices for schedule sync")
				continue
			}
			dirty := []*twin.Device{}
			for _, d := range devices {
				if d.Active && d.ScheduleDirty {
					dirty = append(dirty, d)
				}
			}
			if len(dirty) > 0 {
				dispatcher.SyncSchedule(ctx, dirty, false)
			}
		}
	}
}
