// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/backend/kss"
)

func testPutGetList(t *testing.T, driver kss.Driver) {
	ctx := context.Background()

	_, err := driver.Get(ctx, kss.ArchiveKey("shop", "1.0.0"))
	assert.ErrorIs(t, err, kss.ErrNotFound)

	require.NoError(t, driver.Put(ctx, kss.ArchiveKey("shop", "1.0.0"), []byte("one")))
	require.NoError(t, driver.Put(ctx, kss.ArchiveKey("shop", "1.0.1"), []byte("two")))
	require.NoError(t, driver.Put(ctx, kss.ArchiveKey("crm", "2.0.0"), []byte("three")))

	data, err := driver.Get(ctx, kss.ArchiveKey("shop", "1.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// overwrite
	require.NoError(t, driver.Put(ctx, kss.ArchiveKey("shop", "1.0.1"), []byte("TWO")))
	data, err = driver.Get(ctx, kss.ArchiveKey("shop", "1.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "TWO", string(data))

	keys, err := driver.List(ctx, "packages/shop/")
	require.NoError(t, err)
	assert.Equal(t, []string{"packages/shop/1.0.0.zip", "packages/shop/1.0.1.zip"}, keys)

	assert.Error(t, driver.Put(ctx, "packages/../escape", []byte("x")))
}

func testDelete(t *testing.T, driver kss.Driver) {
	ctx := context.Background()
	require.NoError(t, driver.Put(ctx, "a/1", []byte("1")))
	require.NoError(t, driver.Put(ctx, "a/2", []byte("2")))
	require.NoError(t, driver.Put(ctx, "b/1", []byte("3")))

	require.NoError(t, driver.Delete(ctx, "b/1"))
	_, err := driver.Get(ctx, "b/1")
	assert.ErrorIs(t, err, kss.ErrNotFound)

	require.NoError(t, driver.DeleteAllWithPrefix(ctx, "a/"))
	keys, err := driver.List(ctx, "a/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
