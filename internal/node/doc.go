// Package node defines the unit of computation: a named field, the logic that
// produces it, the identity of that logic and the nodes it reads from.
package node
