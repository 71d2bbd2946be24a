// Package topology loads the YAML descriptor of a test topology: which nodes
// exist, what kind each one is, how to probe it for readiness, and which
// runtime starts it.
//
// A minimal descriptor for a docker compose project:
//
//	name: ldap
//	compose:
//	  project_dir: ./docker-compose
//	nodes:
//	  - name: clickhouse1
//	  - name: clickhouse2
//	  - name: openldap1
//
// Nodes without an explicit kind whose name starts with "clickhouse" are
// service nodes; every other node is a plain host.
package topology
