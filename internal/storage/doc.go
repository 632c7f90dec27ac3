// Package storage is the gorm persistence layer.
//
// DB opens postgres or an embedded sqlite database from configuration.
// Port executes tenant.Operation descriptors against entity tables and is
// meant to sit behind tenant.Guard. PolicyRepository and RoleRepository
// persist tenant policies and roles, soft-deleting on disable, and act as
// the sources of the policy store and role resolver.
package storage
