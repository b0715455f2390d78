// Package repository builds typed repositories from method declarations.
//
// Derived and annotated methods are compiled when the repository is
// created, so a misdeclared method fails construction rather than a call.
// Custom methods, registered by name or contributed by a Fragment, take
// precedence over declared methods of the same name.
package repository
