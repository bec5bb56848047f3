package mid_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nfl0/tinychain/business/sys/validate"
	"github.com/nfl0/tinychain/business/web/errs"
	"github.com/nfl0/tinychain/business/web/mid"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
	ledger "github.com/nfl0/tinychain/foundation/blockchain/validate"
	"github.com/nfl0/tinychain/foundation/web"
	"go.uber.org/zap"
)

const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestErrors(t *testing.T) {
	log := zap.NewNop().Sugar()

	app := web.NewApp(nil, mid.Logger(log), mid.Errors(log), mid.Metrics(), mid.Panics())

	tt := []struct {
		name   string
		err    error
		panics bool
		status int
	}{
		{name: "trusted", err: errs.NewTrusted(errors.New("bad height"), http.StatusBadRequest), status: http.StatusBadRequest},
		{name: "fields", err: validate.FieldErrors{{Field: "to", Error: "to is required"}}, status: http.StatusBadRequest},
		{name: "notfound", err: fmt.Errorf("block: %w", state.ErrNotFound), status: http.StatusNotFound},
		{name: "tx", err: ledger.ErrBadNonce, status: http.StatusBadRequest},
		{name: "block", err: ledger.ErrStateRootMismatch, status: http.StatusNotAcceptable},
		{name: "stale", err: state.ErrStaleBlock, status: http.StatusConflict},
		{name: "unknown", err: errors.New("disk on fire"), status: http.StatusInternalServerError},
		{name: "panic", panics: true, status: http.StatusInternalServerError},
	}

	for _, tst := range tt {
		app.Handle(http.MethodGet, "", "/"+tst.name, func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if tst.panics {
				panic("boom")
			}
			return tst.err
		})
	}

	t.Log("Given the need to map handler errors to responses.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				w := httptest.NewRecorder()
				app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/"+tst.name, nil))

				if w.Code != tst.status {
					t.Fatalf("\t%s\tTest %d:\tShould respond with status %d: got %d", failed, testID, tst.status, w.Code)
				}
				t.Logf("\t%s\tTest %d:\tShould respond with status %d.", success, testID, tst.status)
			}

			t.Run(tst.name, f)
		}
	}
}
