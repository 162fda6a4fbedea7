// Package api defines wire-format types and converters for the HTTP API and
// the CLI's JSON output. It translates internal records, events and workflow
// diagnostics into transport-friendly DTOs so consumers never couple to
// storage types.
//
// DTOs use camelCase JSON tags. Lane values are exposed as their lowercase
// string forms and timestamps use RFC3339 with milliseconds. The record
// payload is passed through as json.RawMessage to avoid double-encoding.
package api
