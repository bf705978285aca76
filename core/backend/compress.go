// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// handleCompression compresses responses for clients accepting gzip or deflate
func (b *Backend) handleCompression() {
	b.router.Use(func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	})
}
