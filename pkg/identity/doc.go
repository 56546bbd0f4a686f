// Package identity is the boundary to the user directory. The auth core
// only needs to find users by credential or ID and compare password
// hashes; profile storage lives elsewhere.
//
// MemoryStore serves development and tests and can be seeded from YAML.
// SQLStore reads a PostgreSQL table.
package identity
