// Package domainevent collects events raised by tracked entities and
// publishes them before the owning transaction commits. Handlers may raise
// further events; dispatch repeats until no events remain, up to
// MaxIterations rounds.
package domainevent
