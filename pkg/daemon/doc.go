// Package daemon runs the long-lived pyrite service: it owns the
// store, resolver, sync engine, and transaction manager, serves
// requests over a unix socket with a length-prefixed msgpack protocol,
// and watches environment directories for changes made behind the
// daemon's back.
package daemon
