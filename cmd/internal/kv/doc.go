// Package kv implements the shared key-value session store.
//
// The store is string-only and synchronous from the caller's point of view. It is shared by
// every kiosk participant attached to the same backend, offers no transactions and no
// multi-key atomicity (last write wins), and never surfaces a storage failure to callers:
// losing a value is preferable to crashing the terminal UI.
//
// Cross-participant notification is not built into the backends. After each accepted write
// the Store hands the change to a Notifier (the bus), which plays the role of the browser's
// native storage-change event.
package kv
