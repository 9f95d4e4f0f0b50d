package taxi

import (
	"database/sql"
	"errors"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"tripBack/internal/taxi/auth"
	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/notify"
	"tripBack/internal/taxi/receipts"
	"tripBack/internal/taxi/repo"
)

// Logger provides minimal logging required by the trip module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaxiDeps groups external dependencies needed by the trip module. The
// shared store is Firestore when a client is given, otherwise the SQL
// database, otherwise an in-process memory store.
type TaxiDeps struct {
	DB         *sql.DB
	Dialect    repo.Dialect
	Migrate    bool
	RDB        *redis.Client
	Firestore  *firestore.Client
	Verifier   auth.Verifier
	Messaging  notify.Sender
	S3         receipts.Putter
	S3Bucket   string
	Logger     Logger
	Config     TaxiConfig
	HTTPClient *http.Client
	Clock      clock.Clock
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *TaxiDeps) Validate() error {
	if d.Logger == nil {
		return errors.New("taxi deps: Logger is required")
	}
	if d.Verifier == nil {
		return errors.New("taxi deps: Verifier is required")
	}
	if d.DB != nil && d.Dialect == "" {
		return errors.New("taxi deps: Dialect is required with DB")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return nil
}
