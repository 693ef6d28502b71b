// Package guard flags test mode before any main package can start a
// runtime. Test files blank-import it so binaries under test exit early
// instead of dialing Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KEYSTONE_TEST_MODE") == "" {
			_ = os.Setenv("KEYSTONE_TEST_MODE", "1")
		}
	})
}
