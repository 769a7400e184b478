//go:build integration

package gateway

import (
	"testing"

	"github.com/mbd888/paygate/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	exerciseStore(t, NewPostgresStore(db))
}
