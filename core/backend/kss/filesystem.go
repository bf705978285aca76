// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relabs-tech/architect/core/logger"
)

// fileName is the name of the data file in the folder of each key
const fileName = "file"

// LocalFilesystem is the entity which provides local filesystem
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS local filesystem enabled in", config.BasePath)
	return &LocalFilesystem{baseFolder: config.BasePath}, nil
}

func (f LocalFilesystem) path(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key), fileName)
}

// Put stores data under key
func (f LocalFilesystem) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	filePath := f.path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1202: Could not create folder for key: '%s'", key)
		return err
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1203: Could not write key: '%s'", key)
		return err
	}
	return nil
}

// Get returns the data stored under key
func (f LocalFilesystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete deletes the key file
func (f LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (f LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	logger.FromContext(ctx).Infof("Deleted %d keys with prefix '%s'", len(keys), prefix)
	return nil
}

// List returns all keys starting with prefix
func (f LocalFilesystem) List(ctx context.Context, prefix string) ([]string, error) {
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("'..' is not allowed in a prefix")
	}
	keys := []string{}
	err := filepath.WalkDir(f.baseFolder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != fileName {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(p))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}
