package badgerdb

import (
	"fmt"
	"strings"

	"github.com/zzenonn/zref/internal/domain"
)

// Key namespaces
//
// Data type                Prefix     Key format                                       Value
// ==============================================================================================
// File reference           "ref:"     ref:<storage>:<checksum>                         FileReference (JSON)
// Reference by checksum    "refc:"    refc:<checksum>:<storage>                        empty
// Request                  "rq:"      rq:<kind>:id:<id>                                request (JSON)
// Request natural key      "rq:"      rq:<kind>:nk:<naturalKey>                        id
// Request status index     "rq:"      rq:<kind>:st:<status>:<storage>:<seq>:<id>       empty
// Cache file               "cf:"      cf:<checksum>                                    CacheFile (JSON)
// Cache expiry index       "cfx:"     cfx:<unixNano>:<checksum>                        empty
// Sequence                 "seq:"     seq:requests                                     badger sequence
//
// Storage names never contain ':' (enforced at configuration time), which keeps the
// status index parseable when walking distinct storages. Sequence numbers and expiry
// timestamps are zero padded to 20 digits so lexical order is numeric order.

const (
	prefixFileRef        = "ref:"
	prefixFileRefByCksum = "refc:"
	prefixRequest        = "rq:"
	prefixCacheFile      = "cf:"
	prefixCacheExpiry    = "cfx:"
	keySequence          = "seq:requests"
)

func keyFileRef(storage, checksum string) []byte {
	return []byte(prefixFileRef + storage + ":" + checksum)
}

func keyFileRefStoragePrefix(storage string) []byte {
	return []byte(prefixFileRef + storage + ":")
}

func keyFileRefByChecksum(checksum, storage string) []byte {
	return []byte(prefixFileRefByCksum + checksum + ":" + storage)
}

func keyFileRefByChecksumPrefix(checksum string) []byte {
	return []byte(prefixFileRefByCksum + checksum + ":")
}

func keyRequestIDPrefix(kind domain.RequestKind) []byte {
	return []byte(prefixRequest + string(kind) + ":id:")
}

func keyRequest(kind domain.RequestKind, id string) []byte {
	return append(keyRequestIDPrefix(kind), id...)
}

func keyRequestNatural(kind domain.RequestKind, naturalKey string) []byte {
	return []byte(prefixRequest + string(kind) + ":nk:" + naturalKey)
}

func keyRequestStatusPrefix(kind domain.RequestKind, status domain.RequestStatus) []byte {
	return []byte(prefixRequest + string(kind) + ":st:" + string(status) + ":")
}

func keyRequestStatusStoragePrefix(kind domain.RequestKind, status domain.RequestStatus, storage string) []byte {
	return append(keyRequestStatusPrefix(kind, status), storage+":"...)
}

func keyRequestStatus(kind domain.RequestKind, h *domain.RequestHeader) []byte {
	return append(keyRequestStatusStoragePrefix(kind, h.Status, h.Storage), fmt.Sprintf("%020d:%s", h.Seq, h.ID)...)
}

// parseStatusKeyStorage extracts <storage> from a status index key.
func parseStatusKeyStorage(key, prefix []byte) string {
	rest := string(key[len(prefix):])
	storage, _, _ := strings.Cut(rest, ":")
	return storage
}

func keyCacheFile(checksum string) []byte {
	return []byte(prefixCacheFile + checksum)
}

func keyCacheExpiry(unixNano int64, checksum string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixCacheExpiry, unixNano, checksum))
}
