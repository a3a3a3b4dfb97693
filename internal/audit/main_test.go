package audit

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps an opener goroutine per open DB until Close.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}
