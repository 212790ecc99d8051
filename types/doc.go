// Package types provides the shared state shapes used across chatforge.
// This package has ZERO dependencies on other chatforge packages to avoid
// circular imports. All other packages should import types from here.
package types
