// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/architect/core/client"
	"github.com/relabs-tech/architect/core/notify"
)

type ArchitectTestSuite struct {
	IntegrationTestSuite
}

func TestArchitectTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration suite needs docker")
	}
	suite.Run(t, &ArchitectTestSuite{})
}

func (s *ArchitectTestSuite) zipped(files map[string]string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		s.Require().NoError(err)
		_, err = f.Write([]byte(content))
		s.Require().NoError(err)
	}
	s.Require().NoError(w.Close())
	return buf.Bytes()
}

type installResult struct {
	Applied []string `json:"applied"`
	Version int64    `json:"version"`
}

func (s *ArchitectTestSuite) install(c client.Client, files map[string]string) installResult {
	var result installResult
	status, err := c.PostMultipart("/api/v1/config/package", s.zipped(files), &result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	return result
}

type rowList struct {
	Data []map[string]interface{} `json:"data"`
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

type rowSingle struct {
	Data map[string]interface{} `json:"data"`
}

func samplePackage(version string) map[string]string {
	return map[string]string{
		"manifest.json": `{"id":"sample","name":"Sample","version":"` + version + `","schema":"sample"}`,
		"tables.json":   `[{"id":"orders","name":"orders","primary_key":"id"}]`,
		"columns.json": `[
			{"id":"orders.id","table_id":"orders","name":"id","type":"uuid","default":{"expression":"gen_random_uuid()"}},
			{"id":"orders.total","table_id":"orders","name":"total","type":"numeric","nullable":false}
		]`,
		"api_entities.json": `[{"entity_id":"orders","path_segment":"orders",
			"operations":["read","create","update","delete","bulk_create","bulk_update"]}]`,
	}
}

// TestInstallAndQuery installs a package for a database tenant and queries the empty entity
func (s *ArchitectTestSuite) TestInstallAndQuery() {
	c := s.client(databaseTenant)
	result := s.install(c, samplePackage("1.0.0"))
	s.Equal([]string{"schemas", "enums", "tables", "columns", "indexes", "relationships", "api_entities"}, result.Applied)

	var list rowList
	status, err := c.Entity("orders").List(&list)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
	s.Empty(list.Data)
	s.Equal(0, list.Meta.Count)

	var created rowSingle
	_, err = c.Entity("orders").Create(map[string]interface{}{"total": "9.99"}, &created)
	s.Require().NoError(err)
	s.Equal(9.99, created.Data["total"])

	// the rls tenant sees nothing of the database tenant
	_, err = s.client(rlsTenant).Entity("orders").List(&list)
	s.Require().Error(err)
}

// TestReinstall checks that identical installs keep the package version
func (s *ArchitectTestSuite) TestReinstall() {
	c := s.client(databaseTenant)
	first := s.install(c, samplePackage("2.0.0"))
	again := s.install(c, samplePackage("2.0.0"))
	s.Equal(first.Version, again.Version)

	bumped := s.install(c, samplePackage("2.0.1"))
	s.Equal(first.Version+1, bumped.Version)
}

func libraryPackage() map[string]string {
	return map[string]string{
		"manifest.json": `{"id":"library","name":"Library","version":"1.0.0","schema":"library"}`,
		"tables.json": `[
			{"id":"authors","name":"authors","primary_key":"id"},
			{"id":"books","name":"books","primary_key":"id"},
			{"id":"users","name":"users","primary_key":"id"}
		]`,
		"columns.json": `[
			{"id":"authors.id","table_id":"authors","name":"id","type":"uuid","default":{"expression":"gen_random_uuid()"}},
			{"id":"authors.name","table_id":"authors","name":"name","type":"text"},
			{"id":"books.id","table_id":"books","name":"id","type":"uuid","default":{"expression":"gen_random_uuid()"}},
			{"id":"books.author_id","table_id":"books","name":"author_id","type":"uuid"},
			{"id":"books.title","table_id":"books","name":"title","type":"text"},
			{"id":"users.id","table_id":"users","name":"id","type":"uuid","default":{"expression":"gen_random_uuid()"}},
			{"id":"users.name","table_id":"users","name":"name","type":"text"},
			{"id":"users.password_hash","table_id":"users","name":"password_hash","type":"text"}
		]`,
		"relationships.json": `[{"id":"books_author","from_table_id":"books","from_column_id":"books.author_id",
			"to_table_id":"authors","to_column_id":"authors.id"}]`,
		"api_entities.json": `[
			{"entity_id":"authors","path_segment":"authors","operations":["read","create"]},
			{"entity_id":"books","path_segment":"books","operations":["read","create"]},
			{"entity_id":"users","path_segment":"users","operations":["read","create"],"sensitive_columns":["password_hash"]}
		]`,
	}
}

// TestFiltersAndIncludes covers camelCase filters on implicit timestamps and to-many includes
func (s *ArchitectTestSuite) TestFiltersAndIncludes() {
	c := s.client(databaseTenant).WithContext(context.Background())
	s.install(c, libraryPackage())
	library := func(path string) client.Entity { return c.Entity(path).InPackage("library") }

	var author rowSingle
	_, err := library("authors").Create(map[string]interface{}{"name": "Le Guin"}, &author)
	s.Require().NoError(err)
	for _, title := range []string{"The Dispossessed", "The Lathe of Heaven"} {
		_, err = library("books").Create(map[string]interface{}{"title": title, "authorId": author.Data["id"]}, nil)
		s.Require().NoError(err)
	}

	var list rowList
	_, err = library("authors").WithFilter("createdAt", "2024-01-01T00:00:00Z").List(&list)
	s.Require().NoError(err)
	s.Equal(0, list.Meta.Count)
	_, err = library("authors").WithFilter("createdAt", "yesterday-ish").List(&list)
	s.Require().Error(err)

	_, err = library("authors").WithParameter("include", "books").List(&list)
	s.Require().NoError(err)
	s.Require().Len(list.Data, 1)
	books, ok := list.Data[0]["books"].([]interface{})
	s.Require().True(ok)
	s.Len(books, 2)

	// authors without books carry an empty array
	_, err = library("authors").Create(map[string]interface{}{"name": "Unpublished"}, nil)
	s.Require().NoError(err)
	_, err = library("authors").WithFilter("name", "Unpublished").WithParameter("include", "books").List(&list)
	s.Require().NoError(err)
	s.Require().Len(list.Data, 1)
	s.Equal([]interface{}{}, list.Data[0]["books"])
}

// TestSensitiveColumns checks that sensitive columns are stored but never returned
func (s *ArchitectTestSuite) TestSensitiveColumns() {
	c := s.client(databaseTenant)
	s.install(c, libraryPackage())
	users := c.Entity("users").InPackage("library")

	var created rowSingle
	_, err := users.Create(map[string]interface{}{"name": "ada", "passwordHash": "x"}, &created)
	s.Require().NoError(err)
	s.NotContains(created.Data, "passwordHash")
	s.NotContains(created.Data, "password_hash")

	var read rowSingle
	_, err = users.Item(created.Data["id"]).Read(&read)
	s.Require().NoError(err)
	s.NotContains(read.Data, "passwordHash")
	s.NotContains(read.Data, "password_hash")
	s.Equal("ada", read.Data["name"])
}

// TestRLSTenant checks that rls statements run on a connection with app.tenant_id set
func (s *ArchitectTestSuite) TestRLSTenant() {
	c := s.client(rlsTenant)
	s.install(c, map[string]string{
		"manifest.json": `{"id":"notes","name":"Notes","version":"1.0.0","schema":"notes"}`,
		"tables.json":   `[{"id":"notes","name":"notes","primary_key":"id"}]`,
		"columns.json": `[
			{"id":"notes.id","table_id":"notes","name":"id","type":"bigserial"},
			{"id":"notes.tenant_id","table_id":"notes","name":"tenant_id","type":"text"},
			{"id":"notes.session_tenant","table_id":"notes","name":"session_tenant","type":"text",
			 "default":{"expression":"current_setting('app.tenant_id', true)"}},
			{"id":"notes.body","table_id":"notes","name":"body","type":"text"}
		]`,
		"api_entities.json": `[{"entity_id":"notes","path_segment":"notes","operations":["read","create"]}]`,
	})

	var created rowSingle
	status, err := c.Entity("notes").Create(map[string]interface{}{"body": "hello"}, &created)
	s.Require().NoError(err)
	s.Equal(http.StatusCreated, status)
	s.Equal(rlsTenant, created.Data["tenantId"])
	s.Equal(rlsTenant, created.Data["sessionTenant"])
}

// TestInvalidationAcrossReplicas checks that a configuration change on one replica reaches the other
func (s *ArchitectTestSuite) TestInvalidationAcrossReplicas() {
	primary := s.client(databaseTenant)
	second := client.NewWithRouter(s.second.router).WithTenant(databaseTenant)

	s.install(primary, samplePackage("3.0.0"))
	var list rowList
	_, err := second.Entity("orders").InPackage("sample").List(&list)
	s.Require().NoError(err)
	_, err = second.Entity("purchases").InPackage("sample").List(&list)
	s.Require().Error(err)

	renamed := samplePackage("3.0.1")
	renamed["api_entities.json"] = `[{"entity_id":"orders","path_segment":"purchases","operations":["read"]}]`
	s.install(primary, renamed)

	s.Eventually(func() bool {
		_, err := second.Entity("purchases").InPackage("sample").List(&list)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)
}

// TestChangeStream checks that installs are published on the change stream
func (s *ArchitectTestSuite) TestChangeStream() {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     changeTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()
	s.Require().NoError(reader.SetOffset(kafka.LastOffset))

	s.install(s.client(databaseTenant), samplePackage("4.0.0"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		msg, err := reader.ReadMessage(ctx)
		s.Require().NoError(err)
		var event notify.Event
		s.Require().NoError(json.Unmarshal(msg.Value, &event))
		if event.Type != notify.EventPackageInstalled {
			continue
		}
		s.Equal("sample", event.PackageID)
		s.Equal(databaseTenant, event.TenantID)
		s.Equal("sample:"+databaseTenant, string(msg.Key))
		return
	}
}
