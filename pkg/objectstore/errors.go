package objectstore

import "errors"

// ErrBusy is returned by CopyCollect when it finds the store's collecting
// flag already set (spec §4.2's "collecting" guard). CopyCollect holds the
// store's mutex for its whole pass, so a concurrent CopyCollect call waits
// for the running collection to finish instead of returning ErrBusy.
var ErrBusy = errors.New("objectstore: collection already in progress")

// ErrTypeMismatch is returned by Read when an OID's type_name disagrees
// with the layout found for it by the pool's size.
var ErrTypeMismatch = errors.New("objectstore: oid type_name does not match stored record")

// ErrForeignOID is returned by operations that require an OID stamped with
// this store's pool_id but receive one stamped with another store's.
var ErrForeignOID = errors.New("objectstore: oid belongs to a different store")

// ErrCorrupt indicates the on-disk layout is inconsistent: a dangling
// active symlink, or a half-space directory that doesn't parse.
var ErrCorrupt = errors.New("objectstore: corrupt store layout")
