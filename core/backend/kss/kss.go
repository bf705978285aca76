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
	"strings"
)

// kss package provides a key/value store for package archives outside of the database.
// There are currently two backends: a local file system and AWS S3

// ErrNotFound is returned by Get for keys that do not exist
var ErrNotFound = errors.New("key not found")

// Driver defines the interface for the KSS service
type Driver interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
	// List returns all keys starting with prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// New returns the driver selected by the configuration, or nil for None
func New(ctx context.Context, c Configuration) (Driver, error) {
	switch c.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if c.LocalConfiguration == nil {
			return nil, fmt.Errorf("kss driver %s requires a local configuration", c.DriverType)
		}
		return NewLocalFilesystem(*c.LocalConfiguration)
	case DriverTypeAWSS3:
		if c.S3Configuration == nil {
			return nil, fmt.Errorf("kss driver %s requires an S3 configuration", c.DriverType)
		}
		return NewS3(ctx, *c.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver %s", c.DriverType)
}

// ArchiveKey returns the key under which the archive of a package version is retained
func ArchiveKey(packageID, version string) string {
	return "packages/" + packageID + "/" + version + ".zip"
}

func checkKey(key string) error {
	if key == "" || strings.Contains(key, "..") {
		return fmt.Errorf("invalid key '%s'", key)
	}
	return nil
}
