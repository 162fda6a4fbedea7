// Package daemonctl lets the CLI inspect and stop a running capsule daemon:
// status and health over the HTTP API, shutdown through the pid file.
package daemonctl
