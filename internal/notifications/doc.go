// Package notifications delivers pipeline alerts via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Terminal stage
// failures and dead letters each have their own toggle so operators can mute
// one without the other.
package notifications
