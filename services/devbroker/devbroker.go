package main

import (
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/genemingxingma/iot-control-center/core/csql"
	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot/mqtt"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=relay" description:"the database schema"`
	ListenAddr     string `env:"BROKER_ADDR,default=:1883"`
	TopicRoot      string `env:"MQTT_TOPIC_ROOT,default=iot/relay"`
	AdminUsername  string `env:"BROKER_ADMIN_USERNAME,default=backend"`
	AdminPassword  string `env:"BROKER_ADMIN_PASSWORD,required" description:"password of the backend connection"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
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

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()

	broker := mqtt.NewBroker(&mqtt.Builder{
		Twins:         twin.NewSQLStore(db),
		TopicRoot:     service.TopicRoot,
		ListenAddr:    service.ListenAddr,
		AdminUsername: service.AdminUsername,
		AdminPassword: service.AdminPassword,
	})
	broker.Run()
}
