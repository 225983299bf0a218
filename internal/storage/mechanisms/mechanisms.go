// Package mechanisms registers every storage mechanism shipped with
// offstore. Binaries import it for its side effects; badger registers
// itself from the storage package.
package mechanisms

import (
	_ "github.com/yndnr/offstore/internal/storage/bolt"
	_ "github.com/yndnr/offstore/internal/storage/jetstream"
	_ "github.com/yndnr/offstore/internal/storage/localfs"
	_ "github.com/yndnr/offstore/internal/storage/memory"
	_ "github.com/yndnr/offstore/internal/storage/valkey"
)
