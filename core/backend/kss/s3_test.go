// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/backend/kss"
)

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&s3Credentials); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	code := m.Run()
	os.Exit(code)
}

var s3Credentials kss.S3Credentials

func requireS3(t *testing.T) *kss.S3 {
	if s3Credentials.AccessID == "" || s3Credentials.AccessKey == "" {
		t.Skip("S3 tests require AWS_ACCESS_ID and AWS_ACCESS_KEY")
	}
	s, err := kss.NewS3(context.Background(), kss.S3Configuration{
		AccessID:      s3Credentials.AccessID,
		AccessKey:     s3Credentials.AccessKey,
		AWSBucketName: "kss-test",
		AWSRegion:     "eu-central-1",
		KeyPrefix:     t.Name() + time.Now().Format("2006-01-0215.04.05.9.00") + "/",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.DeleteAllWithPrefix(context.Background(), "") })
	return s
}

func Test_S3_PutGetList(t *testing.T) {
	testPutGetList(t, requireS3(t))
}

func Test_S3_Delete(t *testing.T) {
	testDelete(t, requireS3(t))
}
