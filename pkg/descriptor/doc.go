// Package descriptor defines the typed application descriptor that teams
// submit to the platform.
//
// A descriptor is parsed once at the boundary into a Descriptor value. The raw
// document is retained alongside it so the validation layer can tell a
// missing field from a mistyped one, but every downstream consumer works with
// the typed model and its effective (defaulted) values.
//
// Each descriptor version is identified by its Revision, a content hash of the
// canonical, defaulted form. Two documents that differ only in formatting or
// key order share a revision.
package descriptor
