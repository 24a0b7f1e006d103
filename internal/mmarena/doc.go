// Package mmarena provides platform-specific anonymous memory mappings that
// back a simulated allocator arena.
//
// Memory from Map lives outside the Go heap on unix and windows, so addresses
// handed out from it are stable and can be treated as raw pointers.
package mmarena
