// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/architect/core/backend"
	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/client"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/notify"
)

const (
	// databaseTenant owns a database of its own
	databaseTenant = "default-mode-1"
	// rlsTenant shares the central database
	rlsTenant = "rls-1"

	changeTopic = "architect_config_changes_test"
)

// replica is one backend instance on the shared database
type replica struct {
	backend     *backend.Backend
	router      *mux.Router
	broadcaster *notify.RedisBroadcaster
}

// IntegrationTestSuite runs two replicas against postgres, redis and kafka containers
type IntegrationTestSuite struct {
	suite.Suite

	network            testcontainers.Network
	postgresContainer  testcontainers.Container
	redisContainer     testcontainers.Container
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container

	postgresURL string
	redisURL    string
	kafkaAddr   string
	kafkaConn   *kafka.Conn
	publisher   *notify.KafkaPublisher

	db      *csql.DB
	primary *replica
	second  *replica
}

// tenantURL returns the connection string of a database on the postgres container
func (s *IntegrationTestSuite) tenantURL(dbname string) string {
	return s.postgresURL + " dbname=" + dbname
}

// client returns a client for the primary replica in the name of tenantID
func (s *IntegrationTestSuite) client(tenantID string) client.Client {
	return client.NewWithRouter(s.primary.router).WithTenant(tenantID)
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "architect-test-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)
	s.postgresURL = fmt.Sprintf("host=%s port=%s user=testuser password=testpass sslmode=disable", pgHost, pgPort.Port())

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "redis:7",
			ExposedPorts:   []string{"6379/tcp"},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"redis"}},
			WaitingFor:     wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.redisContainer = redisC
	redisHost, err := redisC.Host(ctx)
	s.Require().NoError(err)
	redisPort, err := redisC.MappedPort(ctx, "6379")
	s.Require().NoError(err)
	s.redisURL = fmt.Sprintf("redis://%s:%s/0", redisHost, redisPort.Port())

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             changeTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	s.publisher = notify.NewKafkaPublisher([]string{s.kafkaAddr}, changeTopic)

	s.db, err = csql.Open(ctx, s.tenantURL("testdb"), "architect")
	s.Require().NoError(err)
	store := metastore.New(s.db)
	s.Require().NoError(store.Bootstrap(ctx))
	s.Require().NoError(store.PutTenant(ctx, metastore.TenantRow{
		ID:          databaseTenant,
		Strategy:    "database",
		DatabaseURL: s.tenantURL("tenant_default_mode_1"),
	}))
	s.Require().NoError(store.PutTenant(ctx, metastore.TenantRow{ID: rlsTenant, Strategy: "rls"}))

	s.primary = s.newReplica(ctx, s.publisher)
	s.second = s.newReplica(ctx, notify.Nop{})
}

// newReplica creates a backend on the shared database which shares invalidations through redis
func (s *IntegrationTestSuite) newReplica(ctx context.Context, notifier notify.Notifier) *replica {
	broadcaster, err := notify.NewRedisBroadcaster(ctx, s.redisURL)
	s.Require().NoError(err)
	router := mux.NewRouter()
	b := backend.New(ctx, &backend.Builder{
		DB:          s.db,
		Router:      router,
		Notifier:    notifier,
		Broadcaster: broadcaster,
		KssConfiguration: kss.Configuration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: s.T().TempDir()},
		},
	})
	return &replica{backend: b, router: router, broadcaster: broadcaster}
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	for _, r := range []*replica{s.primary, s.second} {
		if r != nil {
			r.backend.Close()
			r.broadcaster.Close()
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.redisContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
