// Package scenario runs YAML test scenarios against a cluster.
//
// A scenario file lists steps, each a shell command or a query on one node:
//
//	name: insert-and-select
//	tags: [smoke]
//	workers: 4
//	repeat: 10
//	steps:
//	  - node: clickhouse1
//	    query: CREATE TABLE IF NOT EXISTS t_{{ .Worker }} (x UInt8) ENGINE = Memory
//	  - node: clickhouse1
//	    query: SELECT count() FROM t_{{ .Worker }}
//	    store: count
//	  - node: local
//	    command: test {{ .Vars.count }} -ge 0
//	cleanup:
//	  - node: clickhouse1
//	    query: DROP TABLE IF EXISTS t_1
//
// Commands, queries and query settings are Go templates with the sprig
// function library. Templates see the scenario name, the worker and
// iteration numbers and the variables, including output saved with store.
//
// The Runner brings the topology up once. Each scenario fans its steps out
// over its workers, every worker with its own sessions, and the first
// failing step stops the scenario. Cleanup steps always run.
package scenario
