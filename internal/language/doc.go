// Package language normalizes configured and recognized language codes into
// BCP-47 tags.
package language
