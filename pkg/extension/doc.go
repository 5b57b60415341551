// Package extension tracks the extension-point contributions of active
// plugins. Writers serialize per extension-point type; readers get an
// immutable snapshot and never block on writers.
package extension
