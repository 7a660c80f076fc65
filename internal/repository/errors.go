// Package repository holds what the job store implementations share.
package repository

import "errors"

var ErrNotFound = errors.New("not found")
