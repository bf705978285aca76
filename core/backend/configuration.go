// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/installer"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/migration"
	"github.com/relabs-tech/architect/core/notify"
	"github.com/relabs-tech/architect/core/schema"
	"github.com/relabs-tech/architect/core/tenant"
)

// maxArchiveSize limits uploaded package archives
const maxArchiveSize = 32 << 20

// archive is a binary response body
type archive []byte

func (b *Backend) handleConfig(router *mux.Router) {
	logger.Default().Debugln("configuration")
	logger.Default().Debugln("  handle config route: /api/v1/config/packages GET")
	router.HandleFunc("/api/v1/config/packages", b.withTenant(b.listPackages)).
		Methods(http.MethodOptions, http.MethodGet)
	logger.Default().Debugln("  handle config route: /api/v1/config/packages/{package_id}/archives GET DELETE")
	router.HandleFunc("/api/v1/config/packages/{package_id}/archives", b.withTenant(b.listArchives)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/v1/config/packages/{package_id}/archives", b.withTenant(b.deleteArchives)).
		Methods(http.MethodDelete)
	logger.Default().Debugln("  handle config route: /api/v1/config/packages/{package_id}/archives/{version} GET")
	router.HandleFunc("/api/v1/config/packages/{package_id}/archives/{version}", b.withTenant(b.getArchive)).
		Methods(http.MethodOptions, http.MethodGet)
	logger.Default().Debugln("  handle config route: /api/v1/config/package POST")
	router.HandleFunc("/api/v1/config/package", b.withTenant(b.installPackage)).
		Methods(http.MethodOptions, http.MethodPost)
	logger.Default().Debugln("  handle config route: /api/v1/config/{kind} GET POST")
	router.HandleFunc("/api/v1/config/{kind}", b.withTenant(b.getConfig)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/v1/config/{kind}", b.withTenant(b.postConfig)).
		Methods(http.MethodPost)
}

func parseKind(r *http.Request) (config.Kind, error) {
	name := mux.Vars(r)["kind"]
	kind, ok := config.ParseKind(name)
	if !ok {
		return "", BadRequest("unknown config kind: %s", name)
	}
	return kind, nil
}

func (b *Backend) getConfig(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	kind, err := parseKind(r)
	if err != nil {
		return 0, nil, err
	}
	records, err := tctx.Store().Records(r.Context(), kind, config.DefaultPackageID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, many(records, len(records)), nil
}

// postConfig replaces the records of one kind in the default package. The records are stored even
// when the configuration does not resolve yet, so a configuration can be completed kind by kind;
// such a write answers with a config error and the previous model stays in service.
func (b *Backend) postConfig(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	ctx := r.Context()
	kind, err := parseKind(r)
	if err != nil {
		return 0, nil, err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, BadRequest("cannot read body: %s", err)
	}
	if err := schema.ValidateRecords(string(kind), body); err != nil {
		apiErr := BadRequest("%s", err)
		var invalid *schema.InvalidRecordsError
		if errors.As(err, &invalid) {
			apiErr.Details = invalid.Violations
		}
		return 0, nil, apiErr
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return 0, nil, BadRequest("invalid %s: %s", kind, err)
	}
	if records == nil {
		records = []json.RawMessage{}
	}

	result, err := tctx.Store().Replace(ctx, kind, config.DefaultPackageID, records)
	if err != nil {
		return 0, nil, err
	}
	b.metrics.configWrites.WithLabelValues(string(kind), strconv.FormatBool(result.Changed)).Inc()
	if result.Changed {
		if err := b.publishDefault(ctx, tctx); err != nil {
			return 0, nil, err
		}
		b.notify(ctx, notify.Event{
			Type:      notify.EventConfigReplaced,
			PackageID: config.DefaultPackageID,
			TenantID:  tctx.Tenant.ID,
			Kind:      string(kind),
			Version:   result.Version,
		})
	}
	return http.StatusOK, many(records, len(records)), nil
}

// publishDefault resolves and migrates the stored default package and publishes its model
func (b *Backend) publishDefault(ctx context.Context, tctx *tenant.Context) error {
	full, err := tctx.Store().LoadFullConfig(ctx, config.DefaultPackageID)
	if err != nil {
		return err
	}
	model, err := config.Resolve(full)
	if err != nil {
		return err
	}
	if err := migration.Apply(ctx, tctx.DataDB, full); err != nil {
		return err
	}
	b.cache.Replace(ctx, model, tctx.CacheKey(config.DefaultPackageID))
	return nil
}

func (b *Backend) notify(ctx context.Context, event notify.Event) {
	if err := b.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5504: cannot publish %s event", event.Type)
	}
}

// uploadedArchive returns the archive uploaded in the multipart field "file" or "package"
func uploadedArchive(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxArchiveSize)
	if err := r.ParseMultipartForm(maxArchiveSize); err != nil {
		return nil, BadRequest("expected a multipart upload: %s", err)
	}
	for _, field := range []string{"file", "package"} {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, BadRequest("cannot read %s: %s", field, err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, BadRequest("cannot read %s: %s", field, err)
		}
		return data, nil
	}
	return nil, BadRequest("missing multipart field 'file'")
}

func (b *Backend) installPackage(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	ctx := r.Context()
	data, err := uploadedArchive(r)
	if err != nil {
		return 0, nil, err
	}
	bundle, err := installer.ReadArchive(data)
	if err != nil {
		return 0, nil, err
	}
	result, err := b.install(ctx, tctx, bundle)
	if err != nil {
		return 0, nil, err
	}
	if b.archives != nil {
		key := kss.ArchiveKey(bundle.Manifest.ID, bundle.Manifest.Version)
		if err := b.archives.Put(ctx, key, data); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 5505: cannot retain archive %s", key)
		}
	}
	return http.StatusOK, result, nil
}

func (b *Backend) listPackages(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	packages, err := tctx.Store().Packages(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, many(packages, len(packages)), nil
}

func (b *Backend) requireArchives() error {
	if b.archives == nil {
		return NotFound("no archive store configured")
	}
	return nil
}

func archivePrefix(packageID string) string {
	return strings.TrimSuffix(kss.ArchiveKey(packageID, ""), ".zip")
}

// listArchives lists the retained archive versions of a package
func (b *Backend) listArchives(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	if err := b.requireArchives(); err != nil {
		return 0, nil, err
	}
	prefix := archivePrefix(mux.Vars(r)["package_id"])
	keys, err := b.archives.List(r.Context(), prefix)
	if err != nil {
		return 0, nil, err
	}
	versions := make([]string, 0, len(keys))
	for _, key := range keys {
		versions = append(versions, strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".zip"))
	}
	return http.StatusOK, many(versions, len(versions)), nil
}

func (b *Backend) getArchive(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	if err := b.requireArchives(); err != nil {
		return 0, nil, err
	}
	vars := mux.Vars(r)
	data, err := b.archives.Get(r.Context(), kss.ArchiveKey(vars["package_id"], vars["version"]))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, archive(data), nil
}

func (b *Backend) deleteArchives(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	if err := b.requireArchives(); err != nil {
		return 0, nil, err
	}
	if err := b.archives.DeleteAllWithPrefix(r.Context(), archivePrefix(mux.Vars(r)["package_id"])); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}
