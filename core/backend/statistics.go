// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"crypto/sha1"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/sqlbuilder"
	"github.com/relabs-tech/architect/core/tenant"
)

// EntityStatistics represents information about the table of an entity
type EntityStatistics struct {
	Entity       string  `json:"entity"`
	Count        int64   `json:"count"`
	SizeMB       float64 `json:"size_mb"`
	AverageSizeB float64 `json:"average_size_b"`
}

// StatisticsDetails represents information about the entities of a package
type StatisticsDetails struct {
	Package  string             `json:"package"`
	Entities []EntityStatistics `json:"entities"`
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle statistics route: /api/v1/statistics GET")
	router.HandleFunc("/api/v1/statistics", b.withTenant(b.statistics)).
		Methods(http.MethodOptions, http.MethodGet)
}

// statistics reports row count and relation size per entity of the package given with ?package=,
// the default package otherwise. Counts are taken on the tenant's target.
func (b *Backend) statistics(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	ctx := r.Context()
	pkg := r.URL.Query().Get("package")
	if pkg == "" {
		pkg = config.DefaultPackageID
	}
	model, err := b.model(ctx, tctx, pkg)
	if err != nil {
		return 0, nil, err
	}

	// sorted so that the ETag does not depend on the binding order
	entities := append([]*config.ResolvedEntity(nil), model.Entities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i].PathSegment < entities[j].PathSegment })

	s := StatisticsDetails{Package: pkg, Entities: []EntityStatistics{}}
	err = tctx.Target.Batch(ctx, func(q crud.Querier) error {
		for _, e := range entities {
			table := sqlbuilder.Table(e, "")
			var size, count int64
			err := q.QueryRowContext(ctx,
				`SELECT pg_total_relation_size($1::regclass), count(*) FROM `+table+`;`, table).Scan(&size, &count)
			if err != nil {
				return fmt.Errorf("cannot read statistics of %s: %w", e.PathSegment, err)
			}
			var averageSize float64
			if count != 0 {
				averageSize = float64(size / count)
			}
			s.Entities = append(s.Entities, EntityStatistics{
				Entity:       e.PathSegment,
				Count:        count,
				SizeMB:       float64(size) / 1024. / 1024.,
				AverageSizeB: averageSize,
			})
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	data, _ := json.Marshal(s)
	etag := bytesToEtag(data)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		return http.StatusNotModified, taggedBody{etag: etag}, nil
	}
	return http.StatusOK, taggedBody{etag: etag, body: s}, nil
}

// taggedBody is a response body with an ETag. A nil body writes the status only.
type taggedBody struct {
	etag string
	body interface{}
}

func bytesToEtag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha1.Sum(data))
}

func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
