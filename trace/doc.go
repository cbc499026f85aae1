// Package trace defines the data model of captured traces: the trace ID, the
// request and response snapshots, the execution context, the durable Bundle
// and the typed events collected per category.
package trace
