// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/relabs-tech/architect/core/backend"
	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/notify"
)

// Service holds the configuration for this service
//
// use DATABASE_URL="host=localhost port=5432 user=postgres password=docker dbname=architect sslmode=disable"
type Service struct {
	DatabaseURL    string `env:"DATABASE_URL,required" description:"the connection string for the central Postgres DB"`
	Schema         string `env:"ARCHITECT_SCHEMA,default=architect" description:"the schema of the metastore"`
	TenantHeader   string `env:"TENANT_HEADER,default=X-Tenant-ID" description:"the request header carrying the tenant id"`
	Port           string `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel       string `env:"LOG_LEVEL,default=info" description:"the log level"`
	PackagePath    string `env:"PACKAGE_PATH" description:"a package directory installed at startup"`
	RedisURL       string `env:"REDIS_URL" description:"enables model cache invalidation across replicas"`
	KafkaBrokers   string `env:"KAFKA_BROKERS" description:"comma separated brokers for the change stream"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=architect_config_changes" description:"the topic of the change stream"`
	ArchiveDriver  string `env:"ARCHIVE_DRIVER" description:"Local, AWSS3 or empty to disable archive retention"`
	ArchivePath    string `env:"ARCHIVE_PATH,default=./archives" description:"the base path of the Local archive driver"`
	AWSBucket      string `env:"AWS_BUCKET"`
	AWSRegion      string `env:"AWS_REGION"`
	ArchivePrefix  string `env:"ARCHIVE_KEY_PREFIX" description:"prepended to every archive key in S3"`
	MaxTenantConns int    `env:"MAX_TENANT_CONNS,default=10" description:"pool size of every tenant database"`
	kss.S3Credentials
}

func (s *Service) kssConfiguration() kss.Configuration {
	switch kss.DriverType(s.ArchiveDriver) {
	case kss.DriverTypeLocal:
		return kss.Configuration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: s.ArchivePath},
		}
	case kss.DriverTypeAWSS3:
		return kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AccessID:      s.AccessID,
				AccessKey:     s.AccessKey,
				AWSBucketName: s.AWSBucket,
				AWSRegion:     s.AWSRegion,
				KeyPrefix:     s.ArchivePrefix,
			},
		}
	}
	return kss.Configuration{DriverType: kss.DriverType(s.ArchiveDriver)}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := csql.EnsureDatabaseExists(ctx, service.DatabaseURL); err != nil {
		rlog.WithError(err).Fatalln("cannot create database")
	}
	db, err := csql.Open(ctx, service.DatabaseURL, service.Schema)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot open database")
	}
	defer db.Close()

	notifiers := notify.Multi{}
	if service.KafkaBrokers != "" {
		publisher := notify.NewKafkaPublisher(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		rlog.Infof("publishing configuration changes to %s", service.KafkaTopic)
	}

	builder := &backend.Builder{
		DB:               db,
		Router:           mux.NewRouter(),
		TenantHeader:     service.TenantHeader,
		MaxTenantConns:   service.MaxTenantConns,
		Notifier:         notifiers,
		KssConfiguration: service.kssConfiguration(),
	}
	if service.RedisURL != "" {
		broadcaster, err := notify.NewRedisBroadcaster(ctx, service.RedisURL)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot connect to redis")
		}
		defer broadcaster.Close()
		builder.Broadcaster = broadcaster
	}

	b := backend.New(ctx, builder)
	defer b.Close()

	if service.PackagePath != "" {
		results, err := b.InstallDir(ctx, service.PackagePath)
		if err != nil {
			rlog.WithError(err).Fatalf("cannot install package directory %s", service.PackagePath)
		}
		for _, result := range results {
			rlog.Infof("package directory %s installed at version %d", service.PackagePath, result.Version)
		}
	}

	server := &http.Server{Addr: ":" + service.Port, Handler: b.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	rlog.Infoln("listen on port :" + service.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rlog.WithError(err).Errorln("server failed")
	}
}
