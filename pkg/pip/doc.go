// Package pip drives pip and venv subprocesses to materialize
// environment changes on disk. It implements the transaction manager's
// operation executor, classifying pip failures as transient or
// permanent so retries only happen for network-shaped errors.
package pip
