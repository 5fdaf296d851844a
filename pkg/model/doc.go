// Package model holds the capacity-management landscape the execution
// engine mutates: node groups, nodes, applications and scaling groups.
//
// Every mutable element carries its own resourcelock.Target. Field values
// are written only by the worker holding that target; readers outside the
// engine may observe in-flight values.
package model
