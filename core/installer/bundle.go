// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package installer

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/config"
)

// ManifestFile is the name of the package manifest
const ManifestFile = "manifest.json"

// ReadArchive parses a zipped package. The manifest may sit at the root or in any directory; record
// lists are read from <kind>.json or <kind>/<kind>.json next to it.
func ReadArchive(data []byte) (*Bundle, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, bundleError("invalid zip: %s", err)
	}

	manifestName := ""
	for _, f := range archive.File {
		if f.Name == ManifestFile {
			manifestName = f.Name
			break
		}
		if manifestName == "" && strings.HasSuffix(f.Name, "/"+ManifestFile) {
			manifestName = f.Name
		}
	}
	if manifestName == "" {
		return nil, bundleError("zip must contain %s", ManifestFile)
	}
	root := path.Dir(manifestName)

	return readBundle(func(name string) ([]byte, error) {
		if root != "." {
			name = root + "/" + name
		}
		f, err := archive.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}, manifestName[len(manifestName)-len(ManifestFile):])
}

// ReadDir parses a package stored as a directory
func ReadDir(dir string) (*Bundle, error) {
	return readBundle(func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	}, ManifestFile)
}

func readBundle(read func(name string) ([]byte, error), manifestName string) (*Bundle, error) {
	data, err := read(manifestName)
	if err != nil {
		return nil, bundleError("cannot read %s: %s", ManifestFile, err)
	}
	manifest, raw, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{Manifest: manifest, RawManifest: raw, Records: map[config.Kind][]json.RawMessage{}}
	for _, kind := range config.Kinds {
		if kind == config.KindSchemas {
			continue
		}
		fileName := string(kind) + ".json"
		content, err := read(fileName)
		if errors.Is(err, fs.ErrNotExist) {
			content, err = read(string(kind) + "/" + fileName)
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, bundleError("cannot read %s: %s", fileName, err)
		}
		var records []json.RawMessage
		if err := json.Unmarshal(content, &records); err != nil {
			return nil, bundleError("invalid %s: %s", fileName, err)
		}
		if records == nil {
			records = []json.RawMessage{}
		}
		bundle.Records[kind] = records
	}
	return bundle, nil
}
